// Package monitoring exposes the live state of a labeling run: a snapshot
// collector, webhook alerts and an HTTP status server.
package monitoring

import (
	"time"

	"github.com/sells-group/groundtruth/internal/credential"
	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/pipeline"
)

// ProgressSource reports run counters.
type ProgressSource interface {
	Progress() pipeline.Progress
}

// PoolSource reports credential pool state.
type PoolSource interface {
	Snapshot() credential.Snapshot
}

// GateSource reports gate state.
type GateSource interface {
	DisabledQueries() []string
	State(query string) model.QueryGateState
}

// LedgerSource reports ledger size.
type LedgerSource interface {
	Len() int
	Pending() int
	Location() string
}

// CostSource reports accumulated usage.
type CostSource interface {
	Total() (model.TokenUsage, int)
}

// Sources are the components a Collector reads. Any of them may be nil.
type Sources struct {
	Progress ProgressSource
	Pool     PoolSource
	Gate     GateSource
	Ledger   LedgerSource
	Cost     CostSource
}

// LedgerStats summarizes the ledger.
type LedgerStats struct {
	Location string `json:"location"`
	Entries  int    `json:"entries"`
	Pending  int    `json:"pending"`
}

// MetricsSnapshot holds a point-in-time view of a run.
type MetricsSnapshot struct {
	Progress        pipeline.Progress    `json:"progress"`
	ErrorRate       float64              `json:"error_rate"`
	Pool            *credential.Snapshot `json:"pool,omitempty"`
	DisabledQueries []string             `json:"disabled_queries"`
	Ledger          *LedgerStats         `json:"ledger,omitempty"`
	Usage           model.TokenUsage     `json:"usage"`
	Calls           int                  `json:"calls"`
	Elapsed         string               `json:"elapsed"`
	CollectedAt     time.Time            `json:"collected_at"`
}

// Collector assembles snapshots from live components.
type Collector struct {
	src Sources
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot. It never blocks on I/O.
func (c *Collector) Collect() *MetricsSnapshot {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		DisabledQueries: []string{},
		CollectedAt:     now,
	}

	if c.src.Progress != nil {
		p := c.src.Progress.Progress()
		snap.Progress = p
		if p.Processed > 0 {
			snap.ErrorRate = float64(p.Errors+p.ParseErrors) / float64(p.Processed)
		}
		if !p.StartedAt.IsZero() {
			snap.Elapsed = now.Sub(p.StartedAt.UTC()).Round(time.Second).String()
		}
	}
	if c.src.Pool != nil {
		ps := c.src.Pool.Snapshot()
		snap.Pool = &ps
	}
	if c.src.Gate != nil {
		snap.DisabledQueries = c.src.Gate.DisabledQueries()
	}
	if c.src.Ledger != nil {
		snap.Ledger = &LedgerStats{
			Location: c.src.Ledger.Location(),
			Entries:  c.src.Ledger.Len(),
			Pending:  c.src.Ledger.Pending(),
		}
	}
	if c.src.Cost != nil {
		snap.Usage, snap.Calls = c.src.Cost.Total()
	}
	return snap
}

// QueryState returns the gate tally of one query, if a gate is attached.
func (c *Collector) QueryState(query string) (model.QueryGateState, bool) {
	if c.src.Gate == nil {
		return model.QueryGateState{}, false
	}
	return c.src.Gate.State(query), true
}
