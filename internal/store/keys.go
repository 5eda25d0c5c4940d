package store

import "fmt"

// Keys of the flat local namespace. Per-participant records embed the
// participant id so that a cleared profile leaves no ambiguity about
// ownership.
const (
	KeyParticipant   = "participant"
	KeyEpsilonState  = "epsilon/state"
	KeyNotifications = "notifications"
	// KeyNotificationTombstones holds ids deleted locally, so a remote copy
	// of a deleted record cannot resurface in a merged listing.
	KeyNotificationTombstones = "notifications/deleted"

	prefixActiveSession    = "session/active/"
	prefixCompletedSession = "session/completed/"
	prefixOutbox           = "outbox/"
	prefixFormDraft        = "draft/"
)

// KeyActiveSession returns the key holding the in-progress session record.
func KeyActiveSession(participantID string) string {
	return prefixActiveSession + participantID
}

// KeyCompletedSession returns the key holding the frozen session snapshot.
func KeyCompletedSession(participantID string) string {
	return prefixCompletedSession + participantID
}

// KeyOutbox returns the sync-bookkeeping key for a (dataType, docKey) pair.
func KeyOutbox(dataType, docKey string) string {
	return fmt.Sprintf("%s%s/%s", prefixOutbox, dataType, docKey)
}

// KeyFormDraft returns the key holding an in-progress form draft.
func KeyFormDraft(form, participantID string) string {
	return fmt.Sprintf("%s%s/%s", prefixFormDraft, form, participantID)
}

// OutboxPrefix is the scan prefix for all outbox entries.
func OutboxPrefix() string { return prefixOutbox }
