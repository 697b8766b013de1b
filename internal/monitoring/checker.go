package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/config"
)

// Checker logs progress and runs alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting progress checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("progress checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap := c.collector.Collect()
	p := snap.Progress

	fields := []zap.Field{
		zap.String("run_id", p.RunID),
		zap.Int("queries_done", p.QueriesDone),
		zap.Int("queries_total", p.QueriesTotal),
		zap.Int("processed", p.Processed),
		zap.Int("reused", p.Reused),
		zap.Int("skipped", p.Skipped),
		zap.Int("errors", p.Errors),
		zap.Int("parse_errors", p.ParseErrors),
		zap.Int("disabled_queries", len(snap.DisabledQueries)),
		zap.Float64("cost_usd", snap.Usage.Cost),
	}
	if snap.Pool != nil {
		fields = append(fields,
			zap.String("active_slot", snap.Pool.Active.Label()),
			zap.Int("rotations", snap.Pool.Rotations),
		)
	}
	log.Info("monitoring: progress", fields...)

	if c.alerter == nil {
		return
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
