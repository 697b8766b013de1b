package inference

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/groundtruth/internal/cost"
	"github.com/sells-group/groundtruth/internal/credential"
	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/resilience"
)

// CallerConfig configures the request sent on every call.
type CallerConfig struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	// RequestsPerMinute paces each credential slot. Zero disables pacing.
	RequestsPerMinute float64
}

// Caller performs one provider round trip per Call. It does not retry; the
// resilience scheduler wraps it.
type Caller struct {
	pool  *credential.Pool
	dial  Dialer
	cfg   CallerConfig
	tally *cost.Tally

	mu       sync.Mutex
	clients  map[string]Client
	limiters map[string]*rate.Limiter
}

// NewCaller creates a caller. tally may be nil.
func NewCaller(pool *credential.Pool, dial Dialer, cfg CallerConfig, tally *cost.Tally) *Caller {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &Caller{
		pool:     pool,
		dial:     dial,
		cfg:      cfg,
		tally:    tally,
		clients:  make(map[string]Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Call sends msgs through the active slot and returns the trimmed text.
func (c *Caller) Call(ctx context.Context, msgs []model.Message) (string, error) {
	return c.call(ctx, msgs, false)
}

// CallJSON is Call with a JSON-object response format requested from
// providers that support it. Callers must still parse leniently.
func (c *Caller) CallJSON(ctx context.Context, msgs []model.Message) (string, error) {
	return c.call(ctx, msgs, true)
}

func (c *Caller) call(ctx context.Context, msgs []model.Message, jsonObject bool) (string, error) {
	system, user := model.SplitMessages(msgs)
	if len(user) == 0 {
		return "", eris.New("inference: request has no user message")
	}

	slot := c.pool.Active()
	client, limiter, err := c.clientFor(slot)
	if err != nil {
		c.pool.RecordFailure(slot)
		return "", eris.Wrapf(err, "inference: dial %s", slot.Label())
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "inference: rate limit wait")
		}
	}

	resp, err := client.Generate(ctx, Request{
		Model:       c.cfg.Model,
		System:      system,
		User:        user,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		JSONObject:  jsonObject,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", eris.Wrap(ctx.Err(), "inference: call canceled")
		}
		c.pool.RecordFailure(slot)
		zap.L().Debug("inference: call failed",
			zap.String("slot", slot.Label()),
			zap.String("class", string(resilience.ClassifyError(err))),
			zap.Int("status", resilience.StatusCode(err)),
			zap.Error(err),
		)
		return "", eris.Wrapf(err, "inference: call via %s", slot.Label())
	}

	c.pool.RecordSuccess(slot)
	if c.tally != nil {
		c.tally.Add(c.cfg.Provider, c.cfg.Model, cost.Usage{
			InputTokens:     resp.InputTokens,
			OutputTokens:    resp.OutputTokens,
			CacheReadTokens: resp.CacheReadTokens,
		})
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Caller) clientFor(slot model.CredentialSlot) (Client, *rate.Limiter, error) {
	key := slot.Label()

	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[key]
	if !ok {
		var err error
		client, err = c.dial(slot)
		if err != nil {
			return nil, nil, err
		}
		c.clients[key] = client
	}

	if c.cfg.RequestsPerMinute <= 0 {
		return client, nil, nil
	}
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerMinute/60.0), 1)
		c.limiters[key] = limiter
	}
	return client, limiter, nil
}
