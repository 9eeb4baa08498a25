// HTTP/WebSocket status API
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package api exposes the sync-feedback status objects over HTTP and
// WebSocket so UI frontends can observe the controller live. Clients can
// poll status over REST, issue commands, or subscribe over WebSocket and
// receive periodic notify_status_update notifications.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"klipper-mmu-sync/pkg/log"
)

// StatusSource supplies the status objects and command execution.
type StatusSource interface {
	// Objects lists the available status object names.
	Objects() []string

	// ObjectStatus returns the status of one object, or false when the
	// object does not exist.
	ObjectStatus(name string) (any, bool)

	// RunCommand executes a command line and returns its response text.
	RunCommand(line string) (string, error)
}

// Config holds the server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string

	Source StatusSource
	Log    *log.Logger

	// BroadcastInterval is the subscription push period. Zero means the
	// default of 250ms.
	BroadcastInterval time.Duration
}

// Server serves the status API.
type Server struct {
	source StatusSource
	logger *log.Logger

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> subscribed object names (empty slice means all)
	subscriptions map[int64][]string
	subMu         sync.RWMutex

	broadcastInterval time.Duration
	running           atomic.Bool
	startTime         time.Time
}

// New creates a status API server.
func New(cfg Config) *Server {
	logger := cfg.Log
	if logger == nil {
		logger = log.Default()
	}
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s := &Server{
		source:            cfg.Source,
		logger:            logger.Component("api"),
		addr:              cfg.Addr,
		wsClients:         make(map[int64]*wsClient),
		subscriptions:     make(map[int64][]string),
		broadcastInterval: interval,
		startTime:         time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		// Status is read-mostly and commands are operator initiated, so
		// cross-origin frontends are allowed.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/machine/objects/list", s.handleObjectsList)
	mux.HandleFunc("/machine/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/machine/gcode/script", s.handleCommand)
	return s.corsMiddleware(mux)
}

// Start runs the server. It blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("Status API listening on %s", s.addr)
	go s.broadcastLoop()
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down and closes all WebSocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPCError(w, nil, -32700, "Parse error")
		return
	}
	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeRPCError(w, req.ID, -32000, err.Error())
		return
	}
	s.writeRPCResult(w, req.ID, result)
}

func (s *Server) dispatchMethod(method string, params map[string]any, client *wsClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "machine.objects.list":
		return s.methodObjectsList()
	case "machine.objects.query":
		return s.methodObjectsQuery(params)
	case "machine.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "machine.gcode.script":
		return s.methodCommand(params)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) methodServerInfo() (any, error) {
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"state":           "ready",
		"websocket_count": clients,
		"api_version":     []int{1, 0, 0},
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	return map[string]any{"objects": s.source.Objects()}, nil
}

// objectNames extracts the requested object names. A missing or empty
// list means all objects.
func (s *Server) objectNames(params map[string]any) ([]string, error) {
	raw, ok := params["objects"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be a list of object names")
	}
	var names []string
	for _, v := range list {
		name, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("'objects' must be a list of object names")
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	names, err := s.objectNames(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.collectStatus(names),
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *wsClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires a WebSocket connection")
	}
	names, err := s.objectNames(params)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}

	s.subMu.Lock()
	s.subscriptions[client.id] = names
	s.subMu.Unlock()

	return s.methodObjectsQuery(params)
}

func (s *Server) methodCommand(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	response, err := s.source.RunCommand(script)
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": response}, nil
}

// collectStatus gathers the named objects, or all objects when names is
// empty.
func (s *Server) collectStatus(names []string) map[string]any {
	if len(names) == 0 {
		names = s.source.Objects()
	}
	status := make(map[string]any)
	for _, name := range names {
		if obj, ok := s.source.ObjectStatus(name); ok {
			status[name] = obj
		}
	}
	return status
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodServerInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodObjectsList()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.writeHTTPError(w, err)
			return
		}
	}
	result, err := s.methodObjectsQuery(params)
	if err != nil {
		s.writeHTTPError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeHTTPError(w, err)
		return
	}
	result, err := s.methodCommand(params)
	if err != nil {
		s.writeHTTPError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": -32000, "message": err.Error()},
	})
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message},
		ID:      id,
	})
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// send queues a message; a stalled client drops messages rather than
// blocking the broadcaster.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("Dropping message to client %d (send queue full)", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error: %v", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warn("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(nil, -32700, "Parse error")
		return
	}
	result, err := c.server.dispatchMethod(req.Method, req.Params, c)
	if err != nil {
		c.sendError(req.ID, -32000, err.Error())
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (c *wsClient) sendError(id any, code int, message string) {
	c.send(rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message},
		ID:      id,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error: %v", err)
		return
	}
	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Debug("WebSocket client %d connected", client.id)

	go client.writePump()
	client.readPump() // blocks until the connection closes
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	s.subMu.Unlock()
	s.logger.Debug("WebSocket client %d disconnected", client.id)
}

// broadcastLoop pushes status updates to subscribed clients.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.broadcastStatus()
	}
}

func (s *Server) broadcastStatus() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	eventtime := s.eventtime()
	for clientID, names := range s.subscriptions {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		status := s.collectStatus(names)
		if len(status) == 0 {
			continue
		}
		client.send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{status, eventtime},
		})
	}
}
