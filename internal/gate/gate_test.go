package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memSidecar struct {
	mu      sync.Mutex
	initial []string
	saved   [][]string
	err     error
}

func (m *memSidecar) Load(context.Context) ([]string, error) { return m.initial, nil }

func (m *memSidecar) Save(_ context.Context, q []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, append([]string(nil), q...))
	return nil
}

func high(q string, i int) model.Result {
	return model.Result{Query: q, EntityID: fmt.Sprintf("e%d", i), Score: 3}
}

func low(q string, i int) model.Result {
	return model.Result{Query: q, EntityID: fmt.Sprintf("e%d", i), Score: 1}
}

func newGate(t *testing.T, sc Sidecar) *Gate {
	t.Helper()
	g, err := New(context.Background(), sc, DefaultThresholds())
	require.NoError(t, err)
	return g
}

func TestGate_LowerCheckpointDisablesExactlyAt100(t *testing.T) {
	t.Parallel()
	sc := &memSidecar{}
	g := newGate(t, sc)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		r := low("hard", i)
		if i == 10 || i == 50 {
			r = high("hard", i)
		}
		disabled, err := g.Record(ctx, "hard", r)
		require.NoError(t, err)
		if i < 100 {
			require.False(t, disabled, "disabled early at item %d", i)
			require.False(t, g.Disabled("hard"))
		} else {
			assert.True(t, disabled)
		}
	}

	assert.True(t, g.Disabled("hard"))
	st := g.State("hard")
	assert.Equal(t, model.QueryGateState{Query: "hard", ItemsSeen: 100, HighScores: 2, Disabled: true}, st)
	assert.Equal(t, [][]string{{"hard"}}, sc.saved)

	// Further results are ignored.
	disabled, err := g.Record(ctx, "hard", high("hard", 101))
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Equal(t, 100, g.State("hard").ItemsSeen)
}

func TestGate_LowerCheckpointPassesWithEnoughHighs(t *testing.T) {
	t.Parallel()
	g := newGate(t, &memSidecar{})
	ctx := context.Background()

	for i := 1; i <= 150; i++ {
		r := low("ok", i)
		if i <= 3 {
			r = high("ok", i)
		}
		disabled, err := g.Record(ctx, "ok", r)
		require.NoError(t, err)
		require.False(t, disabled)
	}
	assert.False(t, g.Disabled("ok"))
}

func TestGate_UpperCheckpointDisablesExactlyAt200(t *testing.T) {
	t.Parallel()
	sc := &memSidecar{}
	g := newGate(t, sc)
	ctx := context.Background()

	// 110 highs spread so the lower checkpoint passes.
	for i := 1; i <= 200; i++ {
		r := low("easy", i)
		if i%2 == 1 || i > 180 {
			r = high("easy", i)
		}
		disabled, err := g.Record(ctx, "easy", r)
		require.NoError(t, err)
		if i < 200 {
			require.False(t, disabled, "disabled early at item %d", i)
		} else {
			assert.True(t, disabled)
		}
	}

	st := g.State("easy")
	assert.Equal(t, 200, st.ItemsSeen)
	assert.Equal(t, 110, st.HighScores)
	assert.True(t, st.Disabled)
	assert.Equal(t, []string{"easy"}, g.DisabledQueries())
}

func TestGate_UpperCheckpointBelowMaxSurvives(t *testing.T) {
	t.Parallel()
	g := newGate(t, nil)
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		r := low("mid", i)
		if i <= 109 {
			r = high("mid", i)
		}
		disabled, err := g.Record(ctx, "mid", r)
		require.NoError(t, err)
		require.False(t, disabled)
	}
	assert.False(t, g.Disabled("mid"))
	assert.Equal(t, 250, g.State("mid").ItemsSeen)
}

func TestGate_MarkersCountAsItemsNotHighs(t *testing.T) {
	t.Parallel()
	g := newGate(t, nil)
	ctx := context.Background()

	_, err := g.Record(ctx, "q", model.Result{Query: "q", EntityID: "a", Marker: model.MarkerError})
	require.NoError(t, err)
	_, err = g.Record(ctx, "q", model.Result{Query: "q", EntityID: "b", Score: 3, Marker: model.MarkerParseError})
	require.NoError(t, err)
	_, err = g.Record(ctx, "q", model.Result{Query: "q", EntityID: "c", Score: 2.0})
	require.NoError(t, err)

	st := g.State("q")
	assert.Equal(t, 3, st.ItemsSeen)
	assert.Zero(t, st.HighScores)
}

func TestGate_QueriesAreIndependent(t *testing.T) {
	t.Parallel()
	g, err := New(context.Background(), nil, Thresholds{LowerItems: 2, LowerMinHigh: 1, UpperItems: 4, UpperMaxHigh: 4})
	require.NoError(t, err)
	ctx := context.Background()

	_, _ = g.Record(ctx, "a", low("a", 1))
	_, _ = g.Record(ctx, "b", high("b", 1))
	disabled, err := g.Record(ctx, "a", low("a", 2))
	require.NoError(t, err)
	assert.True(t, disabled)
	disabled, err = g.Record(ctx, "b", low("b", 2))
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Equal(t, []string{"a"}, g.DisabledQueries())
}

func TestGate_RestoresDisabledFromSidecar(t *testing.T) {
	t.Parallel()
	g := newGate(t, &memSidecar{initial: []string{"old"}})

	assert.True(t, g.Disabled("old"))
	assert.True(t, g.State("old").Disabled)
	disabled, err := g.Record(context.Background(), "old", high("old", 1))
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Zero(t, g.State("old").ItemsSeen)
}

func TestGate_SidecarFailureIsReported(t *testing.T) {
	t.Parallel()
	g, err := New(context.Background(), &memSidecar{err: errors.New("read-only fs")},
		Thresholds{LowerItems: 1, LowerMinHigh: 1, UpperItems: 2, UpperMaxHigh: 2})
	require.NoError(t, err)

	disabled, err := g.Record(context.Background(), "q", low("q", 1))
	assert.True(t, disabled)
	assert.ErrorContains(t, err, "gate: persist disabled queries")
	assert.True(t, g.Disabled("q"))
}

func TestGate_OnDisableCallback(t *testing.T) {
	t.Parallel()
	var got []Reason
	g, err := New(context.Background(), nil,
		Thresholds{LowerItems: 1, LowerMinHigh: 1, UpperItems: 2, UpperMaxHigh: 2},
		WithOnDisable(func(_ string, r Reason, _ model.QueryGateState) { got = append(got, r) }))
	require.NoError(t, err)

	_, _ = g.Record(context.Background(), "q", low("q", 1))
	assert.Equal(t, []Reason{ReasonTooHard}, got)
}

func TestThresholds_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, DefaultThresholds().Validate())

	bad := []Thresholds{
		{LowerItems: 0, UpperItems: 10},
		{LowerItems: 10, UpperItems: 10},
		{LowerItems: 1, UpperItems: 10, LowerMinHigh: -1},
		{LowerItems: 1, UpperItems: 10, UpperMaxHigh: 11},
	}
	for _, th := range bad {
		assert.Error(t, th.Validate(), "%+v", th)
		_, err := New(context.Background(), nil, th)
		assert.Error(t, err)
	}
}

func TestGate_WithJSONSidecarSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "disabled_queries.json")
	th := Thresholds{LowerItems: 1, LowerMinHigh: 1, UpperItems: 2, UpperMaxHigh: 2}
	ctx := context.Background()

	g1, err := New(ctx, NewJSONSidecar(path), th)
	require.NoError(t, err)
	_, err = g1.Record(ctx, "zeta", low("zeta", 1))
	require.NoError(t, err)
	_, err = g1.Record(ctx, "alpha", low("alpha", 1))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `["alpha","zeta"]`, string(data))

	g2, err := New(ctx, NewJSONSidecar(path), th)
	require.NoError(t, err)
	assert.True(t, g2.Disabled("alpha"))
	assert.True(t, g2.Disabled("zeta"))
	assert.False(t, g2.Disabled("other"))
}
