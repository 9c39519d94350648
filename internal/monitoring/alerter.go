package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/pipeline"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate      AlertType = "error_rate"
	AlertStageErrorRate AlertType = "stage_error_rate"
	AlertRateLimited    AlertType = "rate_limited"
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
// Rates are only judged once at least MinAttempts runs exist.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	minAttempts := max(a.cfg.MinAttempts, 1)

	if snap.Total >= minAttempts && snap.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d runs in last %dh)",
				snap.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				snap.Errors, snap.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.ErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"errors":     snap.Errors,
				"total":      snap.Total,
				"top_codes":  snap.TopErrorCodes,
			},
			Timestamp: now,
		})
	}

	stages := make([]model.Stage, 0, len(snap.ByStage))
	for stage := range snap.ByStage {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	for _, stage := range stages {
		st := snap.ByStage[stage]
		// A single-stage window is already covered by the overall alert.
		if len(stages) == 1 || st.Total < minAttempts || st.ErrorRate <= a.cfg.ErrorRateThreshold {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertStageErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%s error rate %.1f%% exceeds threshold %.1f%% (%d errors / %d runs in last %dh)",
				stage, st.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				st.Errors, st.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"stage":      string(stage),
				"error_rate": st.ErrorRate,
				"errors":     st.Errors,
				"total":      st.Total,
			},
			Timestamp: now,
		})
	}

	if n := snap.CodeTotal(pipeline.CodeRateLimited); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRateLimited,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d run(s) hit the inference quota in last %dh",
				n, snap.LookbackHours,
			),
			Details: map[string]any{
				"count": n,
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
