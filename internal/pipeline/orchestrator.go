// Package pipeline drives an annotation run: it walks queries and their
// entities, reuses what the ledger already holds, scores the rest and lets
// the gate retire queries whose labels stop being informative.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/groundtruth/internal/batch"
	"github.com/sells-group/groundtruth/internal/gate"
	"github.com/sells-group/groundtruth/internal/judge"
	"github.com/sells-group/groundtruth/internal/ledger"
	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/resilience"
	"github.com/sells-group/groundtruth/internal/scoring"
)

// Mode selects how an entity is scored.
type Mode string

const (
	// ModePair judges all evidence of an entity in one call.
	ModePair Mode = "pair"
	// ModePassage judges evidence in batches and averages the passage scores.
	ModePassage Mode = "passage"
	// ModeQuery summarizes every entity of a query, then picks the relevant
	// ones in a single call. Picked entities score MaxScore, the rest 0.
	ModeQuery Mode = "query"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePair, ModePassage, ModeQuery:
		return Mode(s), nil
	case "":
		return ModePair, nil
	default:
		return "", eris.Errorf("pipeline: unknown mode %q", s)
	}
}

// PairCaller sends a pair prompt and returns the raw answer.
type PairCaller interface {
	Call(ctx context.Context, msgs []model.Message) (string, error)
}

// PairPrompter renders the prompt for one (query, entity) pair.
type PairPrompter interface {
	Pair(query, entity string, evidence []string) ([]model.Message, error)
}

// PassageScorer scores an entity from its passages.
type PassageScorer interface {
	Score(ctx context.Context, req model.AnnotationRequest) (batch.Scored, error)
}

// QueryJudge labels all pending entities of a query at once.
type QueryJudge interface {
	JudgeQuery(ctx context.Context, query string, reqs []model.AnnotationRequest) (judge.Verdict, error)
}

// CostSource reports accumulated token usage.
type CostSource interface {
	Total() (model.TokenUsage, int)
}

// Config controls a run.
type Config struct {
	Mode Mode
	// Concurrency is the number of queries processed at once. Default: 1.
	Concurrency int
	// QueryStart and QueryEnd select an inclusive window of the sorted
	// queries. A negative QueryEnd runs through the last query.
	QueryStart int
	QueryEnd   int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Ledger    *ledger.Ledger
	Gate      *gate.Gate
	Scheduler *resilience.Scheduler
	Caller    PairCaller
	Prompts   PairPrompter
	Passages  PassageScorer
	Judge     QueryJudge
	Cost      CostSource
}

// Summary describes a finished (or interrupted) run.
type Summary struct {
	RunID            string        `json:"run_id"`
	Queries          int           `json:"queries"`
	Processed        int           `json:"processed"`
	Skipped          int           `json:"skipped"`
	Reused           int           `json:"reused"`
	Errors           int           `json:"errors"`
	ParseErrors      int           `json:"parse_errors"`
	// FailedBatches counts exhausted passage batches and summary calls.
	FailedBatches    int           `json:"failed_batches"`
	DisabledQueries  []string      `json:"disabled_queries"`
	LedgerPath       string        `json:"ledger_path"`
	Calls            int           `json:"calls"`
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Progress is a live view of a running orchestrator.
type Progress struct {
	RunID         string    `json:"run_id"`
	Mode          Mode      `json:"mode"`
	StartedAt     time.Time `json:"started_at"`
	QueriesTotal  int       `json:"queries_total"`
	QueriesDone   int       `json:"queries_done"`
	Processed     int       `json:"processed"`
	Skipped       int       `json:"skipped"`
	Reused        int       `json:"reused"`
	Errors        int       `json:"errors"`
	ParseErrors   int       `json:"parse_errors"`
	FailedBatches int       `json:"failed_batches"`
	Running       bool      `json:"running"`
}

type counters struct {
	queriesDone   atomic.Int64
	processed     atomic.Int64
	skipped       atomic.Int64
	reused        atomic.Int64
	errors        atomic.Int64
	parseErrors   atomic.Int64
	failedBatches atomic.Int64
}

// Orchestrator runs annotation jobs.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu           sync.Mutex
	runID        string
	startedAt    time.Time
	queriesTotal int
	running      bool
	stats        *counters
}

// New validates the collaborators required by cfg.Mode.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePair
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Ledger == nil || deps.Gate == nil {
		return nil, eris.New("pipeline: ledger and gate are required")
	}
	switch cfg.Mode {
	case ModePair:
		if deps.Caller == nil || deps.Prompts == nil || deps.Scheduler == nil {
			return nil, eris.New("pipeline: pair mode requires caller, prompts and scheduler")
		}
	case ModePassage:
		if deps.Passages == nil {
			return nil, eris.New("pipeline: passage mode requires a passage scorer")
		}
	case ModeQuery:
		if deps.Judge == nil {
			return nil, eris.New("pipeline: query mode requires a query judge")
		}
	default:
		return nil, eris.Errorf("pipeline: unknown mode %q", cfg.Mode)
	}
	return &Orchestrator{cfg: cfg, deps: deps, stats: &counters{}}, nil
}

// Run labels every (query, entity) pair in the configured window that the
// ledger does not already hold. The ledger is flushed before Run returns,
// including on cancellation and failure.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Summary, error) {
	queries := in.Window(o.cfg.QueryStart, o.cfg.QueryEnd)

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, eris.New("pipeline: run already in progress")
	}
	o.runID = uuid.NewString()
	o.startedAt = time.Now()
	o.queriesTotal = len(queries)
	o.running = true
	o.stats = &counters{}
	runID, stats := o.runID, o.stats
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("pipeline: starting run",
		zap.String("mode", string(o.cfg.Mode)),
		zap.Int("queries", len(queries)),
		zap.Int("concurrency", o.cfg.Concurrency),
		zap.Int("ledger_entries", o.deps.Ledger.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, q := range queries {
		g.Go(func() error {
			if err := o.runQuery(gctx, log, in, q, stats); err != nil {
				return err
			}
			stats.queriesDone.Add(1)
			return nil
		})
	}
	runErr := g.Wait()

	flushErr := o.deps.Ledger.Flush(context.WithoutCancel(ctx))
	summary := o.summarize(runID, len(queries), stats)

	log.Info("pipeline: run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("reused", summary.Reused),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Int("parse_errors", summary.ParseErrors),
		zap.Strings("disabled_queries", summary.DisabledQueries),
		zap.Float64("estimated_cost_usd", summary.EstimatedCostUSD),
		zap.Duration("elapsed", summary.Elapsed),
	)

	switch {
	case runErr != nil && ctx.Err() != nil:
		return summary, eris.Wrap(ctx.Err(), "pipeline: run interrupted")
	case runErr != nil:
		return summary, eris.Wrap(runErr, "pipeline: run failed")
	case flushErr != nil:
		return summary, eris.Wrap(flushErr, "pipeline: final flush")
	}
	return summary, nil
}

// Progress returns the live counters of the current or last run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	return Progress{
		RunID:         o.runID,
		Mode:          o.cfg.Mode,
		StartedAt:     o.startedAt,
		QueriesTotal:  o.queriesTotal,
		QueriesDone:   int(s.queriesDone.Load()),
		Processed:     int(s.processed.Load()),
		Skipped:       int(s.skipped.Load()),
		Reused:        int(s.reused.Load()),
		Errors:        int(s.errors.Load()),
		ParseErrors:   int(s.parseErrors.Load()),
		FailedBatches: int(s.failedBatches.Load()),
		Running:       o.running,
	}
}

func (o *Orchestrator) runQuery(ctx context.Context, log *zap.Logger, in Input, query string, stats *counters) error {
	log = log.With(zap.String("query", query))
	entities := in.Entities(query)
	if o.cfg.Mode == ModeQuery {
		return o.runJudgedQuery(ctx, log, in, query, entities, stats)
	}

	for i, entity := range entities {
		if o.deps.Gate.Disabled(query) {
			remaining := len(entities) - i
			stats.skipped.Add(int64(remaining))
			log.Info("pipeline: query disabled, skipping remaining entities", zap.Int("remaining", remaining))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if prev, ok := o.deps.Ledger.Get(query, entity); ok {
			stats.reused.Add(1)
			if _, err := o.deps.Gate.Record(ctx, query, prev); err != nil {
				return eris.Wrap(err, "pipeline: replay gate")
			}
			continue
		}

		res, err := o.score(ctx, model.NewAnnotationRequest(query, entity, in[query][entity]), stats)
		if err != nil {
			return err
		}

		if err := o.record(ctx, log, res, stats); err != nil {
			return err
		}
	}
	return nil
}

// runJudgedQuery replays ledger hits into the gate, then judges the
// remaining entities of the query together and records one result each.
func (o *Orchestrator) runJudgedQuery(ctx context.Context, log *zap.Logger, in Input, query string, entities []string, stats *counters) error {
	if o.deps.Gate.Disabled(query) {
		stats.skipped.Add(int64(len(entities)))
		log.Info("pipeline: query disabled, skipping remaining entities", zap.Int("remaining", len(entities)))
		return nil
	}

	var pending []model.AnnotationRequest
	for _, entity := range entities {
		prev, ok := o.deps.Ledger.Get(query, entity)
		if !ok {
			pending = append(pending, model.NewAnnotationRequest(query, entity, in[query][entity]))
			continue
		}
		stats.reused.Add(1)
		if _, err := o.deps.Gate.Record(ctx, query, prev); err != nil {
			return eris.Wrap(err, "pipeline: replay gate")
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if o.deps.Gate.Disabled(query) {
		stats.skipped.Add(int64(len(pending)))
		log.Info("pipeline: query disabled, skipping remaining entities", zap.Int("remaining", len(pending)))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := o.deps.Judge.JudgeQuery(ctx, query, pending)
	if err != nil {
		return eris.Wrap(err, "pipeline: judge query")
	}
	stats.failedBatches.Add(int64(v.FailedSummaries))

	for i, req := range pending {
		if o.deps.Gate.Disabled(query) {
			remaining := len(pending) - i
			stats.skipped.Add(int64(remaining))
			log.Info("pipeline: query disabled, skipping remaining entities", zap.Int("remaining", remaining))
			return nil
		}
		res := model.Result{Query: query, EntityID: req.EntityID, Marker: v.Marker}
		if v.Marker == model.MarkerNone && v.Relevant[req.EntityID] {
			res.Score = float64(model.MaxScore)
		}
		if err := o.record(ctx, log, res, stats); err != nil {
			return err
		}
	}
	return nil
}

// record writes a fresh result to the ledger and the gate.
func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, res model.Result, stats *counters) error {
	if _, err := o.deps.Ledger.Put(ctx, res); err != nil {
		return eris.Wrap(err, "pipeline: record result")
	}
	stats.processed.Add(1)
	switch res.Marker {
	case model.MarkerError:
		stats.errors.Add(1)
	case model.MarkerParseError:
		stats.parseErrors.Add(1)
	}
	log.Debug("pipeline: entity scored",
		zap.String("entity", res.EntityID),
		zap.String("score", res.ScoreField()),
	)

	if _, err := o.deps.Gate.Record(ctx, res.Query, res); err != nil {
		return eris.Wrap(err, "pipeline: record gate")
	}
	return nil
}

func (o *Orchestrator) score(ctx context.Context, req model.AnnotationRequest, stats *counters) (model.Result, error) {
	if o.cfg.Mode == ModePassage {
		return o.scorePassages(ctx, req, stats)
	}
	return o.scorePair(ctx, req)
}

func (o *Orchestrator) scorePair(ctx context.Context, req model.AnnotationRequest) (model.Result, error) {
	res := model.Result{Query: req.Query, EntityID: req.EntityID}

	msgs, err := o.deps.Prompts.Pair(req.Query, req.EntityID, req.Evidence)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: render pair prompt")
	}

	sched := o.deps.Scheduler.WithOnRetry(resilience.RetryLogger(req.Query, req.EntityID))
	out := resilience.Execute(ctx, sched, func(ctx context.Context) (string, error) {
		return o.deps.Caller.Call(ctx, msgs)
	})
	if out.Canceled() {
		return res, eris.Wrap(out.Err, "pipeline: canceled")
	}
	if !out.OK {
		res.Marker = model.MarkerError
		return res, nil
	}

	score, err := scoring.ParseScore(out.Value)
	if err != nil {
		zap.L().Warn("pipeline: unparseable pair score",
			zap.String("query", req.Query),
			zap.String("entity", req.EntityID),
			zap.String("raw", out.Value),
		)
		res.Marker = model.MarkerParseError
		return res, nil
	}
	res.Score = float64(score)
	return res, nil
}

func (o *Orchestrator) scorePassages(ctx context.Context, req model.AnnotationRequest, stats *counters) (model.Result, error) {
	res := model.Result{Query: req.Query, EntityID: req.EntityID}
	scored, err := o.deps.Passages.Score(ctx, req)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: score passages")
	}
	stats.failedBatches.Add(int64(scored.FailedBatches))
	res.Score = scored.Mean
	return res, nil
}

func (o *Orchestrator) summarize(runID string, queries int, stats *counters) *Summary {
	o.mu.Lock()
	started := o.startedAt
	o.mu.Unlock()

	s := &Summary{
		RunID:           runID,
		Queries:         queries,
		Processed:       int(stats.processed.Load()),
		Skipped:         int(stats.skipped.Load()),
		Reused:          int(stats.reused.Load()),
		Errors:          int(stats.errors.Load()),
		ParseErrors:     int(stats.parseErrors.Load()),
		FailedBatches:   int(stats.failedBatches.Load()),
		DisabledQueries: o.deps.Gate.DisabledQueries(),
		LedgerPath:      o.deps.Ledger.Location(),
		Elapsed:         time.Since(started),
	}
	if o.deps.Cost != nil {
		usage, calls := o.deps.Cost.Total()
		s.Calls = calls
		s.InputTokens = usage.InputTokens
		s.OutputTokens = usage.OutputTokens
		s.EstimatedCostUSD = usage.Cost
	}
	return s
}
