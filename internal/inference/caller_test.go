package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/cost"
	"github.com/sells-group/groundtruth/internal/credential"
	"github.com/sells-group/groundtruth/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*Response), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingDialer hands out one shared mock and records which slots were dialed.
type recordingDialer struct {
	mu     sync.Mutex
	client Client
	err    error
	dialed []string
}

func (d *recordingDialer) dial(slot model.CredentialSlot) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, slot.Label())
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func newPool(t *testing.T, keys ...string) *credential.Pool {
	t.Helper()
	p, err := credential.NewPool(credential.PoolConfig{StandardKeys: keys, FailureThreshold: 2})
	require.NoError(t, err)
	return p
}

var pairMessages = []model.Message{
	model.SystemMessage("judge"),
	model.UserMessage("query: museums"),
}

func TestCaller_Success(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.System == "judge" && len(r.User) == 1 && r.User[0] == "query: museums" &&
			r.Model == "gemini-2.0-flash" && r.MaxTokens == 256 && !r.JSONObject
	})).Return(&Response{Text: "  3 \n", InputTokens: 1000000, OutputTokens: 0}, nil)

	d := &recordingDialer{client: mc}
	tally := cost.NewTally(cost.NewCalculator(cost.DefaultRates()))
	c := NewCaller(newPool(t, "k1", "k2"), d.dial, CallerConfig{Provider: "gemini", Model: "gemini-2.0-flash"}, tally)

	out, err := c.Call(context.Background(), pairMessages)
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	usage, calls := tally.Total()
	assert.Equal(t, 1, calls)
	assert.InDelta(t, 0.10, usage.Cost, 1e-9)
	mc.AssertExpectations(t)
}

func TestCaller_CallJSONRequestsObject(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.MatchedBy(func(r Request) bool { return r.JSONObject })).
		Return(&Response{Text: `{"1":2}`}, nil)

	d := &recordingDialer{client: mc}
	c := NewCaller(newPool(t, "k1"), d.dial, CallerConfig{Model: "m"}, nil)

	out, err := c.CallJSON(context.Background(), []model.Message{model.UserMessage("score")})
	require.NoError(t, err)
	assert.Equal(t, `{"1":2}`, out)
}

func TestCaller_ClientCachedPerSlot(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.Anything).Return(&Response{Text: "1"}, nil)

	d := &recordingDialer{client: mc}
	c := NewCaller(newPool(t, "k1", "k2"), d.dial, CallerConfig{Model: "m"}, nil)

	for range 3 {
		_, err := c.Call(context.Background(), pairMessages)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"standard-1"}, d.dialed)
}

func TestCaller_FailuresRotateSlot(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("RESOURCE_EXHAUSTED"))

	d := &recordingDialer{client: mc}
	pool := newPool(t, "k1", "k2")
	c := NewCaller(pool, d.dial, CallerConfig{Model: "m"}, nil)

	// The third failure rotates; the fourth call runs on the second slot.
	for range 4 {
		_, err := c.Call(context.Background(), pairMessages)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inference: call via")
	}

	assert.Equal(t, 1, pool.Active().Index)
	assert.Equal(t, []string{"standard-1", "standard-2"}, d.dialed)
	assert.Equal(t, 4, pool.Snapshot().ConsecutiveFailures)
}

func TestCaller_SuccessResetsPoolStreak(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()
	mc.On("Generate", mock.Anything, mock.Anything).Return(&Response{Text: "2"}, nil).Once()

	d := &recordingDialer{client: mc}
	pool := newPool(t, "k1", "k2")
	c := NewCaller(pool, d.dial, CallerConfig{Model: "m"}, nil)

	_, err := c.Call(context.Background(), pairMessages)
	require.Error(t, err)
	out, err := c.Call(context.Background(), pairMessages)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
	assert.Zero(t, pool.Snapshot().ConsecutiveFailures)
}

func TestCaller_CanceledCallIsNotAFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	d := &recordingDialer{client: mc}
	pool := newPool(t, "k1")
	c := NewCaller(pool, d.dial, CallerConfig{Model: "m"}, nil)

	_, err := c.Call(ctx, pairMessages)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, pool.Snapshot().ConsecutiveFailures)
}

func TestCaller_DialErrorCountsAsFailure(t *testing.T) {
	t.Parallel()
	d := &recordingDialer{err: errors.New("bad key")}
	pool := newPool(t, "k1")
	c := NewCaller(pool, d.dial, CallerConfig{Model: "m"}, nil)

	_, err := c.Call(context.Background(), pairMessages)
	assert.ErrorContains(t, err, "inference: dial standard-1")
	assert.Equal(t, 1, pool.Snapshot().ConsecutiveFailures)
}

func TestCaller_RequiresUserMessage(t *testing.T) {
	t.Parallel()
	d := &recordingDialer{client: &mockClient{}}
	c := NewCaller(newPool(t, "k1"), d.dial, CallerConfig{Model: "m"}, nil)

	_, err := c.Call(context.Background(), []model.Message{model.SystemMessage("only")})
	assert.ErrorContains(t, err, "no user message")
	assert.Empty(t, d.dialed)
}

func TestCaller_RateLimiterHonorsContext(t *testing.T) {
	t.Parallel()
	mc := &mockClient{}
	mc.On("Generate", mock.Anything, mock.Anything).Return(&Response{Text: "0"}, nil)

	d := &recordingDialer{client: mc}
	c := NewCaller(newPool(t, "k1"), d.dial, CallerConfig{Model: "m", RequestsPerMinute: 1}, nil)

	_, err := c.Call(context.Background(), pairMessages)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, pairMessages)
	assert.ErrorContains(t, err, "rate limit wait")
	mc.AssertNumberOfCalls(t, "Generate", 1)
}
