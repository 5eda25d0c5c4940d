package notify

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/store"
)

// DefaultDedupWindow is the span in which a repeated (type, participant)
// event is treated as a duplicate. It guards against the entry notification
// firing twice per page load from concurrent initialization paths.
const DefaultDedupWindow = time.Second

// Mirror is the slice of the remote mirror client the ledger needs.
type Mirror interface {
	Push(ctx context.Context, dataType model.DataType, key, userID string, payload any) bool
	All(dataType model.DataType) []model.Document
}

// Ledger is the append-only log of participant lifecycle events. Records are
// persisted locally first and mirrored to the remote store best-effort.
type Ledger struct {
	local  store.Store
	mirror Mirror
	window time.Duration

	mu      sync.Mutex
	nowFunc func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDedupWindow overrides the duplicate-suppression window.
func WithDedupWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// New creates a notification ledger over the local store and remote mirror.
func New(local store.Store, mirror Mirror, opts ...Option) *Ledger {
	l := &Ledger{
		local:   local,
		mirror:  mirror,
		window:  DefaultDedupWindow,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a notification unless one with the same (type, participant)
// was created inside the de-dup window. Returns the new record, or nil when
// the event was suppressed as a duplicate.
func (l *Ledger) Record(ctx context.Context, t model.NotificationType, participantID string) (*model.NotificationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocal(ctx)
	if err != nil {
		return nil, err
	}

	now := l.nowFunc().UTC()
	for _, r := range records {
		if r.Type == t && r.ParticipantID == participantID && now.Sub(r.CreatedAt) < l.window {
			zap.L().Debug("suppressing duplicate notification",
				zap.String("type", string(t)),
				zap.String("participant_id", participantID),
			)
			return nil, nil
		}
	}

	rec := model.NotificationRecord{
		ID:            model.NotificationID(now, participantID),
		Type:          t,
		ParticipantID: participantID,
		CreatedAt:     now,
	}
	records = append(records, rec)
	if err := l.saveLocal(ctx, records); err != nil {
		return nil, err
	}

	l.mirror.Push(ctx, model.DataNotification, rec.ID, participantID, rec)
	return &rec, nil
}

// ListAll merges the remote cache with the local store, de-duplicated by id,
// newest first. The local copy of a record wins so read/delete state sticks.
func (l *Ledger) ListAll(ctx context.Context) ([]model.NotificationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	local, err := l.loadLocal(ctx)
	if err != nil {
		return nil, err
	}

	deleted, err := l.loadTombstones(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.NotificationRecord)
	for _, doc := range l.mirror.All(model.DataNotification) {
		var r model.NotificationRecord
		if err := json.Unmarshal(doc.Payload, &r); err != nil || r.ID == "" {
			zap.L().Warn("skipping malformed remote notification", zap.String("key", doc.Key))
			continue
		}
		if deleted[r.ID] {
			continue
		}
		byID[r.ID] = r
	}
	for _, r := range local {
		byID[r.ID] = r
	}

	merged := make([]model.NotificationRecord, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})
	return merged, nil
}

// MarkRead toggles the read flag on one record.
func (l *Ledger) MarkRead(ctx context.Context, id string, read bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocal(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id {
			records[i].Read = read
			if err := l.saveLocal(ctx, records); err != nil {
				return err
			}
			l.mirror.Push(ctx, model.DataNotification, id, records[i].ParticipantID, records[i])
			return nil
		}
	}
	return eris.Errorf("notify: unknown notification %s", id)
}

// Delete removes one record from the ledger.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocal(ctx)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(records) {
		return eris.Errorf("notify: unknown notification %s", id)
	}
	if err := l.saveLocal(ctx, kept); err != nil {
		return err
	}

	deleted, err := l.loadTombstones(ctx)
	if err != nil {
		return err
	}
	deleted[id] = true
	ids := make([]string, 0, len(deleted))
	for d := range deleted {
		ids = append(ids, d)
	}
	err = store.SetJSON(ctx, l.local, store.KeyNotificationTombstones, ids)
	return eris.Wrap(err, "notify: save tombstones")
}

func (l *Ledger) loadTombstones(ctx context.Context) (map[string]bool, error) {
	var ids []string
	if _, err := store.GetJSON(ctx, l.local, store.KeyNotificationTombstones, &ids); err != nil {
		return nil, eris.Wrap(err, "notify: load tombstones")
	}
	deleted := make(map[string]bool, len(ids))
	for _, id := range ids {
		deleted[id] = true
	}
	return deleted, nil
}

// UnreadCount returns the number of unread records in a merged listing.
func UnreadCount(records []model.NotificationRecord) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}

func (l *Ledger) loadLocal(ctx context.Context) ([]model.NotificationRecord, error) {
	var records []model.NotificationRecord
	if _, err := store.GetJSON(ctx, l.local, store.KeyNotifications, &records); err != nil {
		return nil, eris.Wrap(err, "notify: load ledger")
	}
	return records, nil
}

func (l *Ledger) saveLocal(ctx context.Context, records []model.NotificationRecord) error {
	err := store.SetJSON(ctx, l.local, store.KeyNotifications, records)
	return eris.Wrap(err, "notify: save ledger")
}
