package model

import "math"

// Epsilon bounds for the privacy-budget slider. Selections outside the range
// are clamped, and all values carry one-decimal resolution.
const (
	EpsilonMin = 0.1
	EpsilonMax = 5.0
)

// PrivacyLevel is the three-bucket classification of a final epsilon value.
type PrivacyLevel string

const (
	PrivacyHigh   PrivacyLevel = "high"
	PrivacyMedium PrivacyLevel = "medium"
	PrivacyLow    PrivacyLevel = "low"
)

// ClampEpsilon clamps e to [EpsilonMin, EpsilonMax] and rounds it to one
// decimal place.
func ClampEpsilon(e float64) float64 {
	if e < EpsilonMin {
		e = EpsilonMin
	}
	if e > EpsilonMax {
		e = EpsilonMax
	}
	return math.Round(e*10) / 10
}

// PrivacyLevelFor maps an epsilon value to its privacy level. This is the
// single authoritative mapping; every display and aggregation site must use
// it rather than re-deriving thresholds.
func PrivacyLevelFor(epsilon float64) PrivacyLevel {
	switch {
	case epsilon <= 1.5:
		return PrivacyHigh
	case epsilon <= 3.0:
		return PrivacyMedium
	default:
		return PrivacyLow
	}
}

// EpsilonState tracks the participant's privacy-budget selections.
//
// RunningSum is maintained incrementally rather than recomputed from History
// on every read, but must equal the sum of History at all times.
type EpsilonState struct {
	Current     float64   `json:"current"`
	ChangeCount int       `json:"change_count"`
	History     []float64 `json:"history"`
	RunningSum  float64   `json:"running_sum"`
	Frozen      bool      `json:"frozen"`
}

// Average returns RunningSum / ChangeCount, or 0 when nothing has been
// recorded yet.
func (s *EpsilonState) Average() float64 {
	if s.ChangeCount == 0 {
		return 0
	}
	return s.RunningSum / float64(s.ChangeCount)
}

// First returns the earliest recorded selection, or 0 when History is empty.
func (s *EpsilonState) First() float64 {
	if len(s.History) == 0 {
		return 0
	}
	return s.History[0]
}
