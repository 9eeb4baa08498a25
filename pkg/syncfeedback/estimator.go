// Extended Kalman Filter for buffer position and calibration scalar
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

// ekfState estimates the joint state [x, c] with covariance, where x is
// the normalized buffer position in [-1,+1] and c a slowly-learned
// calibration scalar on effective gear throughput.
type ekfState struct {
	x     float64
	c     float64
	p11   float64
	p12   float64
	p22   float64
	xPrev float64
}

func newEKFState() ekfState {
	return ekfState{c: 1.0, p11: 0.5, p22: 0.2}
}

// predict propagates the state with the motion model
//
//	x' = x + K*(c*gearMM - extruderMM)
//
// where K converts mm of differential feed to normalized buffer position.
// The Jacobian is upper triangular with F12 = K*gearMM, so the covariance
// propagation reduces to scalar arithmetic.
func (s *ekfState) predict(k, extruderMM, gearMM float64, cfg *Config) {
	xPred := s.x + k*(s.c*gearMM-extruderMM)
	f12 := k * gearMM

	p11, p12, p22 := s.p11, s.p12, s.p22
	fp11 := p11 + f12*p12
	fp12 := p12 + f12*p22

	s.p11 = fp11 + fp12*f12 + cfg.QX
	s.p12 = fp12
	s.p22 = p22 + cfg.QC

	// Soft clamp in estimate space; wider than the measurement range so
	// the filter can represent a pegged buffer.
	s.x = clamp(xPred, -1.25, 1.25)
	s.c = clamp(s.c, cfg.CMin, cfg.CMax)
}

// measure folds in a proportional sensor reading z in [-1,+1].
func (s *ekfState) measure(z float64, cfg *Config) {
	z = clamp(z, -1.0, 1.0)
	y := z - s.x
	innovVar := s.p11 + cfg.RMeas
	if innovVar <= 0 {
		return
	}
	kx := s.p11 / innovVar
	kc := s.p12 / innovVar
	s.x += kx * y
	s.c = clamp(s.c+kc*y, cfg.CMin, cfg.CMax)
	s.p22 -= s.p12 * kc
	s.p12 *= 1 - kx
	s.p11 *= 1 - kx
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
