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

	"github.com/sells-group/adreport-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedBacklog    AlertType = "failed_backlog"
	AlertRetriesExhausted AlertType = "retries_exhausted"
	AlertPendingBacklog   AlertType = "pending_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are reached.
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
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.ExhaustedThreshold > 0 && snap.Exhausted >= a.cfg.ExhaustedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRetriesExhausted,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d report(s) exhausted their retries and need an operator",
				snap.Exhausted,
			),
			Details: map[string]any{
				"exhausted":  snap.Exhausted,
				"report_ids": snap.ExhaustedIDs,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FailedThreshold > 0 && snap.Failed >= a.cfg.FailedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailedBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d failed report(s) reached threshold %d",
				snap.Failed, a.cfg.FailedThreshold,
			),
			Details: map[string]any{
				"failed":    snap.Failed,
				"exhausted": snap.Exhausted,
				"threshold": a.cfg.FailedThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PendingThreshold > 0 && snap.Pending >= a.cfg.PendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d report(s) waiting to start, threshold %d",
				snap.Pending, a.cfg.PendingThreshold,
			),
			Details: map[string]any{
				"pending":    snap.Pending,
				"generating": snap.Generating,
				"threshold":  a.cfg.PendingThreshold,
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
