package model

import (
	"encoding/json"
	"time"
)

// DataType discriminates documents in the shared remote collection.
type DataType string

const (
	DataSessions        DataType = "sessions"
	DataQuestionnaire   DataType = "questionnaire"
	DataNotification    DataType = "notification"
	DataConsent         DataType = "consent"
	DataPrivacy         DataType = "privacy"
	DataSessionMetrics  DataType = "session_metrics"
	DataConsentProgress DataType = "consentProgress"
	DataPrivacyProgress DataType = "privacyProgress"
)

// Document is the envelope for every record mirrored to the remote
// collection. Session documents MUST use the ParticipantID as Key so that a
// revisiting participant overwrites their own row instead of creating a new
// one.
//
// Version is a per-record monotonic counter bumped on every local write. The
// merge rule on receipt is last-write-wins by Version (ties broken by
// UpdatedAt), which keeps convergence deterministic regardless of callback
// ordering.
type Document struct {
	DataType  DataType        `json:"data_type"`
	Key       string          `json:"key"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Valid reports whether the document carries the minimum fields required to
// be merged. Invalid documents are skipped during bulk pulls rather than
// failing the pull.
func (d *Document) Valid() bool {
	return d.DataType != "" && d.Key != "" && len(d.Payload) > 0
}

// Supersedes reports whether d should overwrite old under the deterministic
// last-write-wins rule.
func (d *Document) Supersedes(old *Document) bool {
	if old == nil {
		return true
	}
	if d.Version != old.Version {
		return d.Version > old.Version
	}
	return d.UpdatedAt.After(old.UpdatedAt)
}
