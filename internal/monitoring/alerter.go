package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertLowCompletionRate AlertType = "low_completion_rate"
	AlertDeadLetters       AlertType = "sync_dead_letters"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A low completion rate over a tiny cohort is noise, not a signal.
	if snap.SessionsTotal >= 5 && snap.CompletionRate < a.cfg.MinCompletionRate {
		alerts = append(alerts, Alert{
			Type:     AlertLowCompletionRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Completion rate %.1f%% below threshold %.1f%% (%d completed / %d sessions)",
				snap.CompletionRate*100, a.cfg.MinCompletionRate*100,
				snap.SessionsCompleted, snap.SessionsTotal,
			),
			Details: map[string]any{
				"completion_rate": snap.CompletionRate,
				"threshold":       a.cfg.MinCompletionRate,
				"completed":       snap.SessionsCompleted,
				"total":           snap.SessionsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.OutboxDead >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetters,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d record(s) exhausted their sync retry budget (%d still pending)",
				snap.OutboxDead, snap.OutboxPending,
			),
			Details: map[string]any{
				"dead":    snap.OutboxDead,
				"pending": snap.OutboxPending,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
