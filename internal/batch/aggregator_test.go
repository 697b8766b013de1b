package batch

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type callerFunc func(ctx context.Context, msgs []model.Message) (string, error)

func (f callerFunc) CallJSON(ctx context.Context, msgs []model.Message) (string, error) {
	return f(ctx, msgs)
}

// recordingPrompter renders the batch as one passage per line.
type recordingPrompter struct {
	mu      sync.Mutex
	batches [][]string
}

func (p *recordingPrompter) Passages(_, _ string, passages []string) ([]model.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]string(nil), passages...)
	p.batches = append(p.batches, cp)
	return []model.Message{model.UserMessage(strings.Join(passages, "\n"))}, nil
}

func quickScheduler(attempts int) *resilience.Scheduler {
	return resilience.NewScheduler(resilience.RetryConfig{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return 0 },
	})
}

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestScoreEntity_EmptyEvidenceNoCalls(t *testing.T) {
	t.Parallel()
	calls := 0
	caller := callerFunc(func(context.Context, []model.Message) (string, error) {
		calls++
		return "", nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(3), Config{})

	score, err := agg.ScoreEntity(context.Background(), "q", "B", nil)
	require.NoError(t, err)
	assert.Zero(t, score)
	assert.Zero(t, calls)
}

func TestScoreEntity_MeanOfSingleBatch(t *testing.T) {
	t.Parallel()
	caller := callerFunc(func(context.Context, []model.Message) (string, error) {
		return `{"1": 3, "2": 3, "3": 0}`, nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(3), Config{Rand: seeded()})

	score, err := agg.ScoreEntity(context.Background(), "q", "A", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, score, 1e-9)
}

func TestScore_PartitionsShuffledEvidence(t *testing.T) {
	t.Parallel()
	evidence := make([]string, 25)
	for i := range evidence {
		evidence[i] = string(rune('a' + i))
	}
	original := append([]string(nil), evidence...)

	prompts := &recordingPrompter{}
	caller := callerFunc(func(_ context.Context, msgs []model.Message) (string, error) {
		return `{"1": 1, "2": 1, "3": 1, "4": 1, "5": 1, "6": 1, "7": 1, "8": 1, "9": 1, "10": 1}`, nil
	})
	agg := New(caller, prompts, quickScheduler(1), Config{BatchSize: 10, Rand: seeded()})

	s, err := agg.Score(context.Background(), model.NewAnnotationRequest("q", "e", evidence))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Batches)
	assert.Equal(t, 25, s.Items)
	assert.InDelta(t, 1.0, s.Mean, 1e-9)
	require.Len(t, prompts.batches, 3)
	assert.Len(t, prompts.batches[0], 10)
	assert.Len(t, prompts.batches[1], 10)
	assert.Len(t, prompts.batches[2], 5)

	var seen []string
	for _, b := range prompts.batches {
		seen = append(seen, b...)
	}
	assert.ElementsMatch(t, original, seen)
	assert.Equal(t, original, evidence, "caller's evidence must not be reordered")
}

func TestScore_ShuffleIsReproducibleWithSeed(t *testing.T) {
	t.Parallel()
	evidence := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	caller := callerFunc(func(context.Context, []model.Message) (string, error) { return `{}`, nil })

	p1, p2 := &recordingPrompter{}, &recordingPrompter{}
	_, err := New(caller, p1, quickScheduler(1), Config{Rand: seeded()}).ScoreEntity(context.Background(), "q", "e", evidence)
	require.NoError(t, err)
	_, err = New(caller, p2, quickScheduler(1), Config{Rand: seeded()}).ScoreEntity(context.Background(), "q", "e", evidence)
	require.NoError(t, err)

	assert.Equal(t, p1.batches, p2.batches)
}

func TestScore_ExhaustedBatchContributesZeros(t *testing.T) {
	t.Parallel()
	evidence := make([]string, 15)
	for i := range evidence {
		evidence[i] = "p"
	}

	var mu sync.Mutex
	calls := 0
	caller := callerFunc(func(_ context.Context, msgs []model.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// First batch (two attempts) fails; second batch succeeds.
		if calls <= 2 {
			return "", errors.New("quota")
		}
		return `{"1":3,"2":3,"3":3,"4":3,"5":3}`, nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(2), Config{Rand: seeded()})

	s, err := agg.Score(context.Background(), model.NewAnnotationRequest("q", "e", evidence))
	require.NoError(t, err)
	assert.Equal(t, 1, s.FailedBatches)
	assert.Equal(t, 3, calls)
	assert.InDelta(t, 1.0, s.Mean, 1e-9)
}

func TestScore_UnparseableBatchScoresZero(t *testing.T) {
	t.Parallel()
	caller := callerFunc(func(context.Context, []model.Message) (string, error) {
		return "I would rate these highly.", nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(1), Config{Rand: seeded()})

	s, err := agg.Score(context.Background(), model.NewAnnotationRequest("q", "e", []string{"a", "b"}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ParseFailures)
	assert.Zero(t, s.Mean)
}

func TestScore_CanceledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	caller := callerFunc(func(context.Context, []model.Message) (string, error) {
		calls++
		return `{"1":3}`, nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(1), Config{})

	_, err := agg.ScoreEntity(ctx, "q", "e", []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestScore_CanceledBetweenBatches(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	caller := callerFunc(func(context.Context, []model.Message) (string, error) {
		calls++
		cancel()
		return `{"1":3,"2":3}`, nil
	})
	agg := New(caller, &recordingPrompter{}, quickScheduler(1), Config{BatchSize: 2})

	_, err := agg.ScoreEntity(ctx, "q", "e", []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
