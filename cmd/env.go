package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/batch"
	"github.com/sells-group/groundtruth/internal/config"
	"github.com/sells-group/groundtruth/internal/cost"
	"github.com/sells-group/groundtruth/internal/credential"
	"github.com/sells-group/groundtruth/internal/db"
	"github.com/sells-group/groundtruth/internal/gate"
	"github.com/sells-group/groundtruth/internal/inference"
	"github.com/sells-group/groundtruth/internal/judge"
	"github.com/sells-group/groundtruth/internal/ledger"
	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/monitoring"
	"github.com/sells-group/groundtruth/internal/pipeline"
	"github.com/sells-group/groundtruth/internal/prompt"
	"github.com/sells-group/groundtruth/internal/resilience"
)

// storeEnv holds the durable state shared by every command.
type storeEnv struct {
	Vocab  model.Vocabulary
	Ledger *ledger.Ledger
	Gate   *gate.Gate
}

// labelEnv adds everything a labeling run needs.
type labelEnv struct {
	*storeEnv
	Pool         *credential.Pool
	Tally        *cost.Tally
	Orchestrator *pipeline.Orchestrator
	Collector    *monitoring.Collector
}

// Close flushes and releases the ledger.
func (se *storeEnv) Close(ctx context.Context) {
	if se.Ledger == nil {
		return
	}
	if err := se.Ledger.Close(context.WithoutCancel(ctx)); err != nil {
		zap.L().Error("close ledger", zap.Error(err))
	}
}

// initStoreEnv opens the ledger and gate described by c.
func initStoreEnv(ctx context.Context, c *config.Config) (*storeEnv, error) {
	if err := c.Validate(config.ModeStore); err != nil {
		return nil, err
	}

	vocab, err := model.LookupVocabulary(c.Domain, c.Vocabularies)
	if err != nil {
		return nil, err
	}

	backend, err := ledger.NewBackend(ctx, ledger.StoreConfig{
		Driver:       c.Store.Driver,
		Path:         c.Store.Path,
		DSN:          c.Store.DatabaseURL,
		Table:        c.Store.Table,
		EntityHeader: vocab.EntityHeader,
		Pool:         db.PoolConfig{MaxConns: c.Store.Pool.MaxConns, MinConns: c.Store.Pool.MinConns},
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	l, err := ledger.Open(ctx, backend, ledger.Options{FlushEvery: c.Store.FlushEvery})
	if err != nil {
		_ = backend.Close()
		return nil, eris.Wrap(err, "open ledger")
	}

	g, err := gate.New(ctx, gate.NewJSONSidecar(c.Gate.SidecarPath), c.Gate.Thresholds(),
		gate.WithOnDisable(func(query string, reason gate.Reason, st model.QueryGateState) {
			zap.L().Warn("query retired",
				zap.String("query", query),
				zap.String("reason", string(reason)),
				zap.Int("items_seen", st.ItemsSeen),
				zap.Int("high_scores", st.HighScores),
			)
		}),
	)
	if err != nil {
		_ = l.Close(ctx)
		return nil, eris.Wrap(err, "open gate")
	}

	return &storeEnv{Vocab: vocab, Ledger: l, Gate: g}, nil
}

// initLabelEnv sets up the credential pool, provider caller and the
// orchestrator for mode. Callers should defer env.Close().
func initLabelEnv(ctx context.Context, c *config.Config, mode pipeline.Mode) (*labelEnv, error) {
	if err := c.Validate(config.ModeRun); err != nil {
		return nil, err
	}

	se, err := initStoreEnv(ctx, c)
	if err != nil {
		return nil, err
	}

	env, err := buildLabelEnv(ctx, se, c, mode)
	if err != nil {
		se.Close(ctx)
		return nil, err
	}
	return env, nil
}

func buildLabelEnv(ctx context.Context, se *storeEnv, c *config.Config, mode pipeline.Mode) (*labelEnv, error) {
	pool, err := credential.NewPool(credential.PoolConfig{
		StandardKeys:           c.Credentials.Keys,
		PremiumKey:             c.Credentials.PremiumKey,
		FailureThreshold:       c.Credentials.FailureThreshold,
		MaxConsecutiveFailures: c.Credentials.MaxConsecutiveFailures,
	})
	if err != nil {
		return nil, err
	}

	dial, err := inference.NewDialer(c.Provider.Name, c.Provider.BaseURL)
	if err != nil {
		return nil, err
	}

	tally := cost.NewTally(cost.NewCalculator(c.Pricing))
	caller := inference.NewCaller(pool, dial, inference.CallerConfig{
		Provider:          c.Provider.Name,
		Model:             c.Provider.Model,
		MaxTokens:         c.Provider.MaxTokens,
		Temperature:       c.Provider.Temperature,
		RequestsPerMinute: c.Provider.RequestsPerMinute,
	}, tally)

	prompts, err := prompt.New(se.Vocab, c.Run.PromptFile)
	if err != nil {
		return nil, err
	}

	sched := resilience.NewScheduler(resilience.FromRetryConfig(
		c.Retry.MaxAttempts,
		c.Retry.Strategy,
		c.Retry.BaseSeconds,
		c.Retry.InitialBackoffMs,
		c.Retry.MaxBackoffMs,
		c.Retry.JitterFraction,
	))

	deps := pipeline.Deps{
		Ledger:    se.Ledger,
		Gate:      se.Gate,
		Scheduler: sched,
		Caller:    caller,
		Prompts:   prompts,
		Cost:      tally,
	}
	switch mode {
	case pipeline.ModePassage:
		deps.Passages = batch.New(caller, prompts, sched, batch.Config{BatchSize: c.Batch.Size})
	case pipeline.ModeQuery:
		summaries, err := ledger.OpenSummaryCache(ctx, c.Run.SummaryCachePath, se.Vocab.EntityHeader)
		if err != nil {
			return nil, eris.Wrap(err, "open summary cache")
		}
		deps.Judge = judge.New(caller, prompts, sched, summaries)
	}

	orch, err := pipeline.New(pipeline.Config{
		Mode:        mode,
		Concurrency: c.Run.Concurrency,
		QueryStart:  c.Run.QueryStart,
		QueryEnd:    c.Run.QueryEnd,
	}, deps)
	if err != nil {
		return nil, err
	}

	collector := monitoring.NewCollector(monitoring.Sources{
		Progress: orch,
		Pool:     pool,
		Gate:     se.Gate,
		Ledger:   se.Ledger,
		Cost:     tally,
	})

	return &labelEnv{
		storeEnv:     se,
		Pool:         pool,
		Tally:        tally,
		Orchestrator: orch,
		Collector:    collector,
	}, nil
}
