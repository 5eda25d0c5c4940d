package model

import (
	"sort"
	"time"
)

// SessionStatus tags a session record as still accepting updates or frozen.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// ActiveSession is the mutable, in-progress session record for a participant.
// Exactly one session exists per participant: records are keyed by
// ParticipantID everywhere (local store, reconciled cache, remote documents),
// which makes the one-participant-one-record rule structural rather than a
// cleanup pass.
type ActiveSession struct {
	SessionID     string     `json:"session_id"`
	ParticipantID string     `json:"participant_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`

	ConsentCompleted   bool       `json:"consent_completed"`
	ConsentCompletedAt *time.Time `json:"consent_completed_at,omitempty"`
	PrivacyCompleted   bool       `json:"privacy_completed"`
	PrivacyCompletedAt *time.Time `json:"privacy_completed_at,omitempty"`
	EpsilonChangeCount int        `json:"epsilon_change_count"`
	EpsilonHistory     []float64  `json:"epsilon_history,omitempty"`
	CurrentEpsilon     float64    `json:"current_epsilon"`
}

// CompletedSession is the frozen snapshot written exactly once, when both
// completion flags become true. It carries no mutators: once built, its
// fields are loaded verbatim from storage and never recomputed from live
// state. Duration is the exception, derived from the two timestamps on read.
type CompletedSession struct {
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Duration      float64   `json:"duration_secs"`

	ConsentCompletedAt time.Time `json:"consent_completed_at"`
	PrivacyCompletedAt time.Time `json:"privacy_completed_at"`

	EpsilonChangeCount int          `json:"epsilon_change_count"`
	FirstEpsilon       float64      `json:"first_epsilon"`
	FinalEpsilon       float64      `json:"final_epsilon"`
	AverageEpsilon     float64      `json:"average_epsilon"`
	PrivacyLevel       PrivacyLevel `json:"privacy_level"`
	EpsilonHistory     []float64    `json:"epsilon_history,omitempty"`

	Questionnaire *Questionnaire `json:"questionnaire,omitempty"`
}

// RecomputeDuration re-derives Duration from the start/end timestamps. The
// stored value is never trusted when both timestamps are present.
func (s *CompletedSession) RecomputeDuration() {
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
		s.Duration = s.EndedAt.Sub(s.StartedAt).Seconds()
	}
}

// SessionDocument is the remote payload for one participant's session
// record. Exactly one of Active or Completed is set, matching Status.
type SessionDocument struct {
	Status    SessionStatus     `json:"status"`
	Active    *ActiveSession    `json:"active,omitempty"`
	Completed *CompletedSession `json:"completed,omitempty"`
}

// View builds the dashboard row for whichever variant the document carries.
func (d *SessionDocument) View() (SessionView, bool) {
	switch {
	case d.Status == SessionCompleted && d.Completed != nil:
		return ViewOfCompleted(d.Completed), true
	case d.Status == SessionActive && d.Active != nil:
		return ViewOfActive(d.Active), true
	}
	return SessionView{}, false
}

// SessionView is the row shape served to the researcher dashboard, covering
// both active and completed sessions.
type SessionView struct {
	Ordinal       int           `json:"ordinal"`
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Duration      float64       `json:"duration_secs"`

	ConsentCompleted   bool         `json:"consent_completed"`
	PrivacyCompleted   bool         `json:"privacy_completed"`
	EpsilonChangeCount int          `json:"epsilon_change_count"`
	FirstEpsilon       float64      `json:"first_epsilon,omitempty"`
	FinalEpsilon       float64      `json:"final_epsilon,omitempty"`
	AverageEpsilon     float64      `json:"average_epsilon,omitempty"`
	PrivacyLevel       PrivacyLevel `json:"privacy_level,omitempty"`
}

// ViewOfActive builds a dashboard row from an in-progress session.
func ViewOfActive(s *ActiveSession) SessionView {
	return SessionView{
		SessionID:          s.SessionID,
		ParticipantID:      s.ParticipantID,
		Status:             SessionActive,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		ConsentCompleted:   s.ConsentCompleted,
		PrivacyCompleted:   s.PrivacyCompleted,
		EpsilonChangeCount: s.EpsilonChangeCount,
		PrivacyLevel:       PrivacyLevelFor(s.CurrentEpsilon),
	}
}

// ViewOfCompleted builds a dashboard row from a frozen session. Duration is
// recomputed from the timestamps.
func ViewOfCompleted(s *CompletedSession) SessionView {
	s.RecomputeDuration()
	ended := s.EndedAt
	return SessionView{
		SessionID:          s.SessionID,
		ParticipantID:      s.ParticipantID,
		Status:             SessionCompleted,
		StartedAt:          s.StartedAt,
		EndedAt:            &ended,
		Duration:           s.Duration,
		ConsentCompleted:   true,
		PrivacyCompleted:   true,
		EpsilonChangeCount: s.EpsilonChangeCount,
		FirstEpsilon:       s.FirstEpsilon,
		FinalEpsilon:       s.FinalEpsilon,
		AverageEpsilon:     s.AverageEpsilon,
		PrivacyLevel:       s.PrivacyLevel,
	}
}

// AssignOrdinals sorts views oldest-first and numbers them from 1. Ordinals
// are derived, never persisted.
func AssignOrdinals(views []SessionView) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	for i := range views {
		views[i].Ordinal = i + 1
	}
}
