// Package ledger records one result per (query, entity) pair and persists
// them so that a restarted run skips completed work.
package ledger

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// DefaultFlushEvery is the number of new results between automatic flushes.
const DefaultFlushEvery = 10

// Batch is what a backend receives on flush: the complete ledger in
// insertion order, and the results added since the last successful flush.
// File backends rewrite All; table backends insert Pending.
type Batch struct {
	All     []model.Result
	Pending []model.Result
}

// Backend persists ledger contents.
type Backend interface {
	Load(ctx context.Context) ([]model.Result, error)
	Save(ctx context.Context, b Batch) error
	Location() string
	Close() error
}

// Options controls flushing.
type Options struct {
	// FlushEvery triggers a flush after this many new results. Default: 10.
	FlushEvery int
}

// Ledger is the in-memory result map backed by durable storage. It is safe
// for concurrent use; flushes are serialized.
type Ledger struct {
	backend    Backend
	flushEvery int

	flushMu sync.Mutex

	mu      sync.RWMutex
	results map[model.PairKey]model.Result
	order   []model.PairKey
	pending []model.Result
}

// Open loads the backend's existing results.
func Open(ctx context.Context, backend Backend, opts Options) (*Ledger, error) {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	l := &Ledger{
		backend:    backend,
		flushEvery: opts.FlushEvery,
		results:    make(map[model.PairKey]model.Result),
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: load %s", backend.Location())
	}
	dupes := 0
	for _, r := range loaded {
		k := r.Key()
		if _, ok := l.results[k]; ok {
			dupes++
			continue
		}
		l.results[k] = r
		l.order = append(l.order, k)
	}
	if dupes > 0 {
		zap.L().Warn("ledger: ignored duplicate persisted results",
			zap.String("location", backend.Location()),
			zap.Int("duplicates", dupes),
		)
	}
	zap.L().Info("ledger: loaded",
		zap.String("location", backend.Location()),
		zap.Int("results", len(l.order)),
	)
	return l, nil
}

// Has reports whether a result exists for the pair.
func (l *Ledger) Has(query, entityID string) bool {
	_, ok := l.Get(query, entityID)
	return ok
}

// Get returns the recorded result for the pair.
func (l *Ledger) Get(query, entityID string) (model.Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.results[model.PairKey{Query: query, EntityID: entityID}]
	return r, ok
}

// Put records a result. The first write for a pair wins; later writes return
// false and change nothing. Every FlushEvery new results trigger a flush,
// whose error is returned alongside added == true.
func (l *Ledger) Put(ctx context.Context, r model.Result) (bool, error) {
	l.mu.Lock()
	k := r.Key()
	if _, ok := l.results[k]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.results[k] = r
	l.order = append(l.order, k)
	l.pending = append(l.pending, r)
	due := len(l.pending) >= l.flushEvery
	l.mu.Unlock()

	if due {
		return true, l.Flush(ctx)
	}
	return true, nil
}

// Flush persists pending results. On failure the results stay pending and
// the next flush retries them.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.RLock()
	if len(l.pending) == 0 {
		l.mu.RUnlock()
		return nil
	}
	b := Batch{
		All:     l.snapshotLocked(),
		Pending: append([]model.Result(nil), l.pending...),
	}
	l.mu.RUnlock()

	if err := l.backend.Save(ctx, b); err != nil {
		zap.L().Error("ledger: flush failed, results remain pending",
			zap.String("location", l.backend.Location()),
			zap.Int("pending", len(b.Pending)),
			zap.Error(err),
		)
		return eris.Wrapf(err, "ledger: flush %s", l.backend.Location())
	}

	l.mu.Lock()
	// Results put while saving stay pending.
	l.pending = append([]model.Result(nil), l.pending[len(b.Pending):]...)
	l.mu.Unlock()

	zap.L().Debug("ledger: flushed",
		zap.String("location", l.backend.Location()),
		zap.Int("results", len(b.All)),
		zap.Int("new", len(b.Pending)),
	)
	return nil
}

// Snapshot returns all results in insertion order.
func (l *Ledger) Snapshot() []model.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Len returns the number of recorded results.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Pending returns the number of results not yet persisted.
func (l *Ledger) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Location describes where the ledger is persisted.
func (l *Ledger) Location() string {
	return l.backend.Location()
}

// Close flushes and releases the backend. The backend is closed even when
// the flush fails.
func (l *Ledger) Close(ctx context.Context) error {
	flushErr := l.Flush(ctx)
	closeErr := l.backend.Close()
	if flushErr != nil {
		return flushErr
	}
	return eris.Wrap(closeErr, "ledger: close backend")
}

func (l *Ledger) snapshotLocked() []model.Result {
	out := make([]model.Result, len(l.order))
	for i, k := range l.order {
		out[i] = l.results[k]
	}
	return out
}
