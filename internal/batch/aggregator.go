// Package batch scores an entity by judging its evidence passages in
// fixed-size batches and averaging the per-passage scores.
package batch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/resilience"
	"github.com/sells-group/groundtruth/internal/scoring"
)

// DefaultBatchSize is the number of passages judged per call.
const DefaultBatchSize = 10

// Caller sends one batch prompt and returns the raw response text.
type Caller interface {
	CallJSON(ctx context.Context, msgs []model.Message) (string, error)
}

// Prompter renders the prompt for one batch of passages.
type Prompter interface {
	Passages(query, entity string, passages []string) ([]model.Message, error)
}

// Config controls batching.
type Config struct {
	// BatchSize is the number of passages per call. Default: 10.
	BatchSize int
	// Rand shuffles evidence. Default: a time-seeded PCG source.
	Rand *rand.Rand
}

// Scored is the detailed outcome of scoring one entity.
type Scored struct {
	Mean          float64
	Items         int
	Batches       int
	FailedBatches int
	ParseFailures int
}

// Aggregator scores entities batch by batch.
type Aggregator struct {
	caller  Caller
	prompts Prompter
	sched   *resilience.Scheduler
	size    int

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Aggregator.
func New(caller Caller, prompts Prompter, sched *resilience.Scheduler, cfg Config) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Aggregator{
		caller:  caller,
		prompts: prompts,
		sched:   sched,
		size:    cfg.BatchSize,
		rng:     cfg.Rand,
	}
}

// ScoreEntity returns the mean passage score of an entity for query.
func (a *Aggregator) ScoreEntity(ctx context.Context, query, entity string, evidence []string) (float64, error) {
	s, err := a.Score(ctx, model.NewAnnotationRequest(query, entity, evidence))
	return s.Mean, err
}

// Score is ScoreEntity with batch-level statistics. Empty evidence scores 0
// without a call. A batch whose retries are exhausted contributes zeros. The
// only error is context cancellation (or a prompt rendering failure), in
// which case the partial score must be discarded.
func (a *Aggregator) Score(ctx context.Context, req model.AnnotationRequest) (Scored, error) {
	var out Scored
	if len(req.Evidence) == 0 {
		return out, nil
	}

	passages := a.shuffled(req.Evidence)
	var sum float64

	for start := 0; start < len(passages); start += a.size {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "batch: canceled")
		}

		end := min(start+a.size, len(passages))
		chunk := passages[start:end]
		out.Batches++
		out.Items += len(chunk)

		msgs, err := a.prompts.Passages(req.Query, req.EntityID, chunk)
		if err != nil {
			return out, eris.Wrap(err, "batch: render prompt")
		}

		res := resilience.Execute(ctx, a.sched, func(ctx context.Context) (string, error) {
			return a.caller.CallJSON(ctx, msgs)
		})
		if res.Canceled() {
			return out, eris.Wrap(res.Err, "batch: canceled")
		}
		if !res.OK {
			out.FailedBatches++
			zap.L().Warn("batch: retries exhausted, scoring batch as zeros",
				zap.String("query", req.Query),
				zap.String("entity", req.EntityID),
				zap.Int("batch", out.Batches),
				zap.Int("items", len(chunk)),
				zap.Error(res.Err),
			)
			continue
		}

		scores, err := scoring.ParseBatch(res.Value, len(chunk))
		if errors.Is(err, scoring.ErrParse) {
			out.ParseFailures++
		}
		for _, s := range scores {
			sum += s
		}
	}

	out.Mean = sum / float64(out.Items)
	return out, nil
}

func (a *Aggregator) shuffled(evidence []string) []string {
	out := make([]string, len(evidence))
	copy(out, evidence)
	a.mu.Lock()
	a.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	a.mu.Unlock()
	return out
}
