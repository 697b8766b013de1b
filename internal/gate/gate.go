// Package gate decides, per query, when further labeling stops paying off.
//
// Each query is tallied as results arrive. At the lower checkpoint a query
// with too few high scores is disabled as too hard; at the upper checkpoint a
// query with too many is disabled as too easy. A checkpoint fires only when
// the item count equals its threshold, at most once per query. Disabling is
// terminal and persisted through a Sidecar.
package gate

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// Thresholds are the two checkpoints.
type Thresholds struct {
	LowerItems   int `yaml:"lower_items" mapstructure:"lower_items"`
	LowerMinHigh int `yaml:"lower_min_high" mapstructure:"lower_min_high"`
	UpperItems   int `yaml:"upper_items" mapstructure:"upper_items"`
	UpperMaxHigh int `yaml:"upper_max_high" mapstructure:"upper_max_high"`
}

// DefaultThresholds returns 100/3 and 200/110.
func DefaultThresholds() Thresholds {
	return Thresholds{LowerItems: 100, LowerMinHigh: 3, UpperItems: 200, UpperMaxHigh: 110}
}

// Validate checks that the checkpoints are usable.
func (t Thresholds) Validate() error {
	switch {
	case t.LowerItems <= 0 || t.UpperItems <= 0:
		return eris.New("gate: checkpoint item counts must be positive")
	case t.LowerItems >= t.UpperItems:
		return eris.Errorf("gate: lower checkpoint (%d) must come before upper checkpoint (%d)", t.LowerItems, t.UpperItems)
	case t.LowerMinHigh < 0 || t.UpperMaxHigh < 0:
		return eris.New("gate: high-score thresholds must not be negative")
	case t.UpperMaxHigh > t.UpperItems:
		return eris.Errorf("gate: upper high-score threshold (%d) exceeds its item count (%d)", t.UpperMaxHigh, t.UpperItems)
	}
	return nil
}

// Reason explains why a query was disabled.
type Reason string

// Disable reasons.
const (
	ReasonTooHard Reason = "too_hard"
	ReasonTooEasy Reason = "too_easy"
)

type checkpoint int

const (
	lowerCheckpoint checkpoint = iota + 1
	upperCheckpoint
)

// Sidecar persists the set of disabled queries.
type Sidecar interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, queries []string) error
}

// Gate tracks per-query tallies. It is safe for concurrent use.
type Gate struct {
	sidecar    Sidecar
	thresholds Thresholds
	onDisable  func(query string, reason Reason, state model.QueryGateState)

	mu       sync.Mutex
	states   map[string]*model.QueryGateState
	fired    map[string]map[checkpoint]bool
	disabled map[string]bool

	saveMu sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithOnDisable registers a callback run after a query is disabled.
func WithOnDisable(fn func(query string, reason Reason, state model.QueryGateState)) Option {
	return func(g *Gate) { g.onDisable = fn }
}

// New creates a gate and loads previously disabled queries from sidecar.
func New(ctx context.Context, sidecar Sidecar, t Thresholds, opts ...Option) (*Gate, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		sidecar:    sidecar,
		thresholds: t,
		states:     make(map[string]*model.QueryGateState),
		fired:      make(map[string]map[checkpoint]bool),
		disabled:   make(map[string]bool),
	}
	for _, o := range opts {
		o(g)
	}

	if sidecar != nil {
		queries, err := sidecar.Load(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "gate: load disabled queries")
		}
		for _, q := range queries {
			g.disabled[q] = true
		}
		if len(queries) > 0 {
			zap.L().Info("gate: restored disabled queries", zap.Int("count", len(queries)))
		}
	}
	return g, nil
}

// Thresholds returns the configured checkpoints.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Disabled reports whether query is disabled.
func (g *Gate) Disabled(query string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled[query]
}

// Record tallies one result for query and evaluates the checkpoints. It
// returns true if this result disabled the query. Results for an already
// disabled query are ignored. The returned error reports a sidecar write
// failure; the query is disabled in memory regardless.
func (g *Gate) Record(ctx context.Context, query string, r model.Result) (bool, error) {
	g.mu.Lock()
	if g.disabled[query] {
		g.mu.Unlock()
		return false, nil
	}

	st := g.stateLocked(query)
	st.ItemsSeen++
	if r.High() {
		st.HighScores++
	}

	reason, fire := g.evaluateLocked(st)
	if !fire {
		g.mu.Unlock()
		return false, nil
	}

	st.Disabled = true
	g.disabled[query] = true
	snapshot := *st
	list := g.disabledListLocked()
	g.mu.Unlock()

	zap.L().Info("gate: query disabled",
		zap.String("query", query),
		zap.String("reason", string(reason)),
		zap.Int("items_seen", snapshot.ItemsSeen),
		zap.Int("high_scores", snapshot.HighScores),
	)
	if g.onDisable != nil {
		g.onDisable(query, reason, snapshot)
	}

	if err := g.persist(ctx, list); err != nil {
		return true, err
	}
	return true, nil
}

// State returns the tally of query.
func (g *Gate) State(query string) model.QueryGateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[query]
	if !ok {
		return model.QueryGateState{Query: query, Disabled: g.disabled[query]}
	}
	out := *st
	out.Disabled = g.disabled[query]
	return out
}

// DisabledQueries returns the disabled queries in sorted order.
func (g *Gate) DisabledQueries() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledListLocked()
}

func (g *Gate) stateLocked(query string) *model.QueryGateState {
	st, ok := g.states[query]
	if !ok {
		st = &model.QueryGateState{Query: query}
		g.states[query] = st
	}
	return st
}

// evaluateLocked fires a checkpoint when ItemsSeen equals its threshold.
func (g *Gate) evaluateLocked(st *model.QueryGateState) (Reason, bool) {
	t := g.thresholds
	switch st.ItemsSeen {
	case t.LowerItems:
		if !g.markFiredLocked(st.Query, lowerCheckpoint) {
			return "", false
		}
		if st.HighScores < t.LowerMinHigh {
			return ReasonTooHard, true
		}
	case t.UpperItems:
		if !g.markFiredLocked(st.Query, upperCheckpoint) {
			return "", false
		}
		if st.HighScores >= t.UpperMaxHigh {
			return ReasonTooEasy, true
		}
	}
	return "", false
}

// markFiredLocked records a checkpoint and reports whether it was new.
func (g *Gate) markFiredLocked(query string, c checkpoint) bool {
	seen, ok := g.fired[query]
	if !ok {
		seen = make(map[checkpoint]bool, 2)
		g.fired[query] = seen
	}
	if seen[c] {
		return false
	}
	seen[c] = true
	return true
}

func (g *Gate) disabledListLocked() []string {
	out := make([]string, 0, len(g.disabled))
	for q := range g.disabled {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (g *Gate) persist(ctx context.Context, list []string) error {
	if g.sidecar == nil {
		return nil
	}
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	// A later disable may already have written a superset.
	g.mu.Lock()
	if n := len(g.disabled); n > len(list) {
		list = g.disabledListLocked()
	}
	g.mu.Unlock()

	if err := g.sidecar.Save(ctx, list); err != nil {
		zap.L().Error("gate: persist disabled queries failed", zap.Error(err))
		return eris.Wrap(err, "gate: persist disabled queries")
	}
	return nil
}
