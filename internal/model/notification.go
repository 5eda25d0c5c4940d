package model

import (
	"fmt"
	"time"
)

// NotificationType identifies the lifecycle event a notification records.
type NotificationType string

const (
	NotifyEntered          NotificationType = "entered"
	NotifyConsentCompleted NotificationType = "consent_completed"
	NotifyPrivacyCompleted NotificationType = "privacy_completed"
	NotifyLeft             NotificationType = "left"
)

// NotificationRecord is one entry in the append-only notification ledger.
// Records are mutable only via the read/unread toggle, and soft-deleted by
// removal from the ledger.
type NotificationRecord struct {
	ID            string           `json:"id"`
	Type          NotificationType `json:"type"`
	ParticipantID string           `json:"participant_id"`
	CreatedAt     time.Time        `json:"created_at"`
	Read          bool             `json:"read"`
}

// NotificationID builds the time-based id for a notification. Millisecond
// resolution plus the participant id keeps ids unique across participants
// without a counter.
func NotificationID(t time.Time, participantID string) string {
	return fmt.Sprintf("N-%d-%s", t.UnixMilli(), participantID)
}
