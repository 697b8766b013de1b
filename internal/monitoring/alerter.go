package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate        AlertType = "error_rate"
	AlertCostOverrun      AlertType = "cost_overrun"
	AlertPremiumFallback  AlertType = "premium_fallback"
	AlertQueriesExhausted AlertType = "queries_exhausted"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. Each alert type
// is delivered at most once per run.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu   sync.Mutex
	sent map[string]bool
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		sent:   make(map[string]bool),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	p := snap.Progress

	minProcessed := a.cfg.MinProcessed
	if minProcessed <= 0 {
		minProcessed = 20
	}
	if a.cfg.ErrorRateThreshold > 0 && p.Processed >= minProcessed && snap.ErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Annotation error rate %.1f%% exceeds threshold %.1f%% (%d errors, %d parse errors of %d processed)",
				snap.ErrorRate*100, a.cfg.ErrorRateThreshold*100, p.Errors, p.ParseErrors, p.Processed,
			),
			Details: map[string]any{
				"error_rate":   snap.ErrorRate,
				"threshold":    a.cfg.ErrorRateThreshold,
				"errors":       p.Errors,
				"parse_errors": p.ParseErrors,
				"processed":    p.Processed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.Usage.Cost > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Estimated API cost $%.2f exceeds threshold $%.2f after %d calls",
				snap.Usage.Cost, a.cfg.CostThresholdUSD, snap.Calls,
			),
			Details: map[string]any{
				"cost_usd":      snap.Usage.Cost,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"calls":         snap.Calls,
			},
			Timestamp: now,
		})
	}

	if snap.Pool != nil && snap.Pool.OnPremium && len(snap.Pool.Standard) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertPremiumFallback,
			Severity: "medium",
			Message: fmt.Sprintf(
				"All %d standard credentials exhausted; calls now use the premium key",
				len(snap.Pool.Standard),
			),
			Details: map[string]any{
				"rotations":            snap.Pool.Rotations,
				"consecutive_failures": snap.Pool.ConsecutiveFailures,
			},
			Timestamp: now,
		})
	}

	if p.QueriesTotal > 0 && len(snap.DisabledQueries) >= p.QueriesTotal {
		alerts = append(alerts, Alert{
			Type:     AlertQueriesExhausted,
			Severity: "low",
			Message:  fmt.Sprintf("All %d queries have been disabled by the gate", p.QueriesTotal),
			Details: map[string]any{
				"disabled": len(snap.DisabledQueries),
			},
			Timestamp: now,
		})
	}

	for i := range alerts {
		alerts[i].RunID = p.RunID
	}
	return alerts
}

// SendAlerts delivers alerts not yet sent for their run to the configured
// webhook URL. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		key := alert.RunID + "/" + string(alert.Type)
		a.mu.Lock()
		dup := a.sent[key]
		a.mu.Unlock()
		if dup {
			continue
		}

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
		a.mu.Lock()
		a.sent[key] = true
		a.mu.Unlock()
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
