// Package judge labels a whole query at once: every candidate entity is
// first summarized with respect to the query, then a single call picks the
// relevant entities from the summaries.
package judge

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/prompt"
	"github.com/sells-group/groundtruth/internal/resilience"
	"github.com/sells-group/groundtruth/internal/scoring"
)

// NoSummary stands in for a summary whose retries were exhausted.
const NoSummary = "(no summary available)"

// Caller sends one prompt and returns the raw response text.
type Caller interface {
	Call(ctx context.Context, msgs []model.Message) (string, error)
}

// Prompter renders the summary and judge prompts.
type Prompter interface {
	Summary(query, entity string, evidence []string) ([]model.Message, error)
	Judge(query string, summaries []prompt.EntitySummary) ([]model.Message, error)
}

// SummaryStore caches summaries across runs.
type SummaryStore interface {
	Get(query, entity string) (string, bool)
	Put(query, entity, summary string)
	Flush(ctx context.Context) error
}

// Verdict is the outcome of judging one query.
type Verdict struct {
	// Relevant holds the entity ids the judge picked. Nil when Marker is set.
	Relevant map[string]bool
	// Marker is MarkerError when the judge call was exhausted and
	// MarkerParseError when its answer could not be read.
	Marker          model.Marker
	Summarized      int
	CachedSummaries int
	FailedSummaries int
	// Unknown counts names in the answer that match no candidate.
	Unknown int
}

// Judge runs the summarize-then-judge flow.
type Judge struct {
	caller  Caller
	prompts Prompter
	sched   *resilience.Scheduler
	store   SummaryStore
}

// New creates a Judge. store may be nil, in which case nothing is cached.
func New(caller Caller, prompts Prompter, sched *resilience.Scheduler, store SummaryStore) *Judge {
	return &Judge{caller: caller, prompts: prompts, sched: sched, store: store}
}

// JudgeQuery summarizes each request (all for the same query, in the given
// order) and asks which entities are relevant. Exhausted summaries are
// replaced by NoSummary and not cached. The only errors are cancellation,
// prompt rendering failures and summary persistence failures.
func (j *Judge) JudgeQuery(ctx context.Context, query string, reqs []model.AnnotationRequest) (Verdict, error) {
	var v Verdict
	if len(reqs) == 0 {
		return v, nil
	}
	log := zap.L().With(zap.String("query", query))

	summaries := make([]prompt.EntitySummary, 0, len(reqs))
	for _, req := range reqs {
		s, err := j.summarize(ctx, log, req, &v)
		if err != nil {
			return v, err
		}
		summaries = append(summaries, prompt.EntitySummary{Entity: req.EntityID, Summary: s})
	}
	if j.store != nil {
		if err := j.store.Flush(ctx); err != nil {
			return v, eris.Wrap(err, "judge: save summaries")
		}
	}

	msgs, err := j.prompts.Judge(query, summaries)
	if err != nil {
		return v, eris.Wrap(err, "judge: render judge prompt")
	}
	sched := j.sched.WithOnRetry(resilience.RetryLogger(query, "*"))
	res := resilience.Execute(ctx, sched, func(ctx context.Context) (string, error) {
		return j.caller.Call(ctx, msgs)
	})
	if res.Canceled() {
		return v, eris.Wrap(res.Err, "judge: canceled")
	}
	if !res.OK {
		log.Warn("judge: retries exhausted", zap.Int("entities", len(reqs)), zap.Error(res.Err))
		v.Marker = model.MarkerError
		return v, nil
	}

	names, err := scoring.ParseEntityList(res.Value)
	if errors.Is(err, scoring.ErrParse) {
		log.Warn("judge: unparseable relevance list", zap.Error(err))
		v.Marker = model.MarkerParseError
		return v, nil
	}

	v.Relevant = match(names, reqs, &v.Unknown)
	if v.Unknown > 0 {
		log.Debug("judge: answer named unknown entities", zap.Int("unknown", v.Unknown))
	}
	return v, nil
}

func (j *Judge) summarize(ctx context.Context, log *zap.Logger, req model.AnnotationRequest, v *Verdict) (string, error) {
	if j.store != nil {
		if s, ok := j.store.Get(req.Query, req.EntityID); ok {
			v.CachedSummaries++
			return s, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "judge: canceled")
	}

	msgs, err := j.prompts.Summary(req.Query, req.EntityID, req.Evidence)
	if err != nil {
		return "", eris.Wrap(err, "judge: render summary prompt")
	}
	sched := j.sched.WithOnRetry(resilience.RetryLogger(req.Query, req.EntityID))
	res := resilience.Execute(ctx, sched, func(ctx context.Context) (string, error) {
		return j.caller.Call(ctx, msgs)
	})
	if res.Canceled() {
		return "", eris.Wrap(res.Err, "judge: canceled")
	}
	if !res.OK {
		v.FailedSummaries++
		log.Warn("judge: summary retries exhausted",
			zap.String("entity", req.EntityID),
			zap.Error(res.Err),
		)
		return NoSummary, nil
	}

	s := strings.TrimSpace(res.Value)
	v.Summarized++
	if j.store != nil {
		j.store.Put(req.Query, req.EntityID, s)
	}
	return s, nil
}

// match maps answer names to candidate ids, exactly first and then
// case-insensitively.
func match(names []string, reqs []model.AnnotationRequest, unknown *int) map[string]bool {
	exact := make(map[string]string, len(reqs))
	folded := make(map[string]string, len(reqs))
	for _, r := range reqs {
		exact[r.EntityID] = r.EntityID
		folded[strings.ToLower(r.EntityID)] = r.EntityID
	}

	out := make(map[string]bool, len(names))
	for _, n := range names {
		if id, ok := exact[n]; ok {
			out[id] = true
			continue
		}
		if id, ok := folded[strings.ToLower(n)]; ok {
			out[id] = true
			continue
		}
		*unknown++
	}
	return out
}
