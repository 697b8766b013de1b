package model

import (
	"strconv"

	"github.com/rotisserie/eris"
)

// Score is a single relevance judgment in the closed range [MinScore, MaxScore].
type Score int

const (
	// MinScore is the lowest relevance judgment.
	MinScore Score = 0
	// MaxScore is the highest judgment; results at this value are "high".
	MaxScore Score = 3
)

// Valid reports whether s lies inside the judgment range.
func (s Score) Valid() bool {
	return s >= MinScore && s <= MaxScore
}

// Marker flags a ledger entry that carries no usable score.
type Marker string

const (
	// MarkerNone means the result holds a valid score.
	MarkerNone Marker = ""
	// MarkerError means the provider call exhausted its retries.
	MarkerError Marker = "Error"
	// MarkerParseError means the provider answered but no score could be read.
	MarkerParseError Marker = "ParsingError"
)

// AnnotationRequest is one (query, entity, evidence) tuple to be judged.
type AnnotationRequest struct {
	Query    string
	EntityID string
	Evidence []string
}

// NewAnnotationRequest copies the evidence so later mutation by the caller
// cannot leak into the request.
func NewAnnotationRequest(query, entityID string, evidence []string) AnnotationRequest {
	ev := make([]string, len(evidence))
	copy(ev, evidence)
	return AnnotationRequest{Query: query, EntityID: entityID, Evidence: ev}
}

// PairKey identifies a (query, entity) pair in the ledger.
type PairKey struct {
	Query    string
	EntityID string
}

// Result is the recorded judgment for one (query, entity) pair.
type Result struct {
	Query    string  `json:"query"`
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
	Marker   Marker  `json:"marker,omitempty"`
}

// Key returns the ledger key of the result.
func (r Result) Key() PairKey {
	return PairKey{Query: r.Query, EntityID: r.EntityID}
}

// OK reports whether the result carries a usable score.
func (r Result) OK() bool {
	return r.Marker == MarkerNone
}

// High reports whether the result is a usable score equal to MaxScore.
func (r Result) High() bool {
	return r.OK() && r.Score == float64(MaxScore)
}

// ScoreField renders the score column: the marker when set, otherwise the
// shortest decimal form of the score.
func (r Result) ScoreField() string {
	if r.Marker != MarkerNone {
		return string(r.Marker)
	}
	return strconv.FormatFloat(r.Score, 'f', -1, 64)
}

// ParseScoreField is the inverse of ScoreField.
func ParseScoreField(query, entityID, field string) (Result, error) {
	res := Result{Query: query, EntityID: entityID}
	switch Marker(field) {
	case MarkerError, MarkerParseError:
		res.Marker = Marker(field)
		return res, nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return res, eris.Wrapf(err, "model: parse score field %q", field)
	}
	res.Score = v
	return res, nil
}

// QueryGateState is the running label tally of one query.
type QueryGateState struct {
	Query      string `json:"query"`
	ItemsSeen  int    `json:"items_seen"`
	HighScores int    `json:"high_scores"`
	Disabled   bool   `json:"disabled"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
