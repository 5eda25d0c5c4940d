package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/remote"
)

// MetricsSnapshot holds a point-in-time view of study activity and sync
// health, feeding the researcher dashboard and the alert checker.
type MetricsSnapshot struct {
	// Session metrics, over the reconciled cache.
	SessionsTotal     int     `json:"sessions_total"`
	SessionsActive    int     `json:"sessions_active"`
	SessionsCompleted int     `json:"sessions_completed"`
	CompletionRate    float64 `json:"completion_rate"`
	AvgFinalEpsilon   float64 `json:"avg_final_epsilon"`

	// Final privacy-level distribution across completed sessions.
	PrivacyLevels map[model.PrivacyLevel]int `json:"privacy_levels"`

	// Notification metrics.
	NotificationsTotal  int `json:"notifications_total"`
	NotificationsUnread int `json:"notifications_unread"`

	// Sync health.
	OutboxPending int `json:"outbox_pending"`
	OutboxDead    int `json:"outbox_dead"`

	CollectedAt time.Time `json:"collected_at"`
}

// SessionSource is the reconciled cache the collector reads session
// documents from.
type SessionSource interface {
	All(dataType model.DataType) []model.Document
}

// NotificationLister abstracts the notification ledger.
type NotificationLister interface {
	ListAll(ctx context.Context) ([]model.NotificationRecord, error)
}

// OutboxQuerier abstracts the sync outbox.
type OutboxQuerier interface {
	Pending(ctx context.Context) ([]remote.Entry, error)
	DeadLetters(ctx context.Context) ([]remote.Entry, error)
}

// Collector gathers metrics from the reconciled cache, the notification
// ledger, and the sync outbox.
type Collector struct {
	sessions      SessionSource
	notifications NotificationLister
	outbox        OutboxQuerier
}

// NewCollector creates a new metrics collector.
func NewCollector(sessions SessionSource, notifications NotificationLister, outbox OutboxQuerier) *Collector {
	return &Collector{sessions: sessions, notifications: notifications, outbox: outbox}
}

// Collect gathers a snapshot of study metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		PrivacyLevels: make(map[model.PrivacyLevel]int),
		CollectedAt:   time.Now().UTC(),
	}

	var epsilonSum float64
	for _, doc := range c.sessions.All(model.DataSessions) {
		var sd model.SessionDocument
		if err := json.Unmarshal(doc.Payload, &sd); err != nil {
			zap.L().Warn("monitoring: skipping unreadable session document",
				zap.String("key", doc.Key),
				zap.Error(err),
			)
			continue
		}
		switch {
		case sd.Status == model.SessionCompleted && sd.Completed != nil:
			snap.SessionsTotal++
			snap.SessionsCompleted++
			snap.PrivacyLevels[sd.Completed.PrivacyLevel]++
			epsilonSum += sd.Completed.FinalEpsilon
		case sd.Status == model.SessionActive && sd.Active != nil:
			snap.SessionsTotal++
			snap.SessionsActive++
		}
	}
	if snap.SessionsTotal > 0 {
		snap.CompletionRate = float64(snap.SessionsCompleted) / float64(snap.SessionsTotal)
	}
	if snap.SessionsCompleted > 0 {
		snap.AvgFinalEpsilon = epsilonSum / float64(snap.SessionsCompleted)
	}

	if c.notifications != nil {
		records, err := c.notifications.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		snap.NotificationsTotal = len(records)
		for _, r := range records {
			if !r.Read {
				snap.NotificationsUnread++
			}
		}
	}

	if c.outbox != nil {
		pending, err := c.outbox.Pending(ctx)
		if err != nil {
			return nil, err
		}
		snap.OutboxPending = len(pending)

		dead, err := c.outbox.DeadLetters(ctx)
		if err != nil {
			return nil, err
		}
		snap.OutboxDead = len(dead)
	}

	return snap, nil
}
