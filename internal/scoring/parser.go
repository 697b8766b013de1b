// Package scoring turns raw provider text into relevance scores.
package scoring

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// ErrParse is returned when provider output cannot be read as a score.
var ErrParse = errors.New("scoring: unparseable output")

// ParseScore accepts only a bare "0".."3" token after trimming.
func ParseScore(raw string) (model.Score, error) {
	s := strings.TrimSpace(raw)
	if len(s) != 1 || s[0] < '0' || s[0] > '9' {
		return 0, eris.Wrapf(ErrParse, "scoring: not a bare score: %q", truncate(s))
	}
	score := model.Score(s[0] - '0')
	if !score.Valid() {
		return 0, eris.Wrapf(ErrParse, "scoring: score %d out of range", score)
	}
	return score, nil
}

// ParseBatch reads a batch response keyed by 1-based item position, e.g.
// {"1": 3, "2": 0}. It returns exactly n scores. Items that are missing or
// invalid default to 0. If no JSON object can be recovered at all it returns
// n zeros and an error wrapping ErrParse.
func ParseBatch(raw string, n int) ([]float64, error) {
	scores := make([]float64, n)
	if n <= 0 {
		return scores, nil
	}

	obj, err := decodeObject(raw)
	if err != nil {
		zap.L().Warn("scoring: batch response unparseable, defaulting to zeros",
			zap.Int("items", n),
			zap.String("raw", truncate(raw)),
			zap.Error(err),
		)
		return scores, eris.Wrap(ErrParse, "scoring: batch response")
	}

	var missing []int
	for i := range n {
		key := strconv.Itoa(i + 1)
		v, ok := obj[key]
		if !ok {
			missing = append(missing, i+1)
			continue
		}
		score, ok := scoreValue(v)
		if !ok {
			missing = append(missing, i+1)
			continue
		}
		scores[i] = float64(score)
	}
	if len(missing) > 0 {
		zap.L().Warn("scoring: batch items missing or invalid, defaulting to 0",
			zap.Ints("positions", missing),
			zap.Int("items", n),
		)
	}
	return scores, nil
}

// decodeObject tries strict decoding, then the outermost brace substring,
// then a repaired version of that substring.
func decodeObject(raw string) (map[string]json.RawMessage, error) {
	text := stripFences(raw)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("scoring: no json object in response")
	}
	sub := text[start : end+1]
	if err := json.Unmarshal([]byte(sub), &obj); err == nil && obj != nil {
		return obj, nil
	}

	repaired, err := jsonrepair.JSONRepair(sub)
	if err != nil {
		return nil, eris.Wrap(err, "scoring: repair json")
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil || obj == nil {
		return nil, eris.New("scoring: repaired json is not an object")
	}
	return obj, nil
}

// scoreValue accepts integral JSON numbers and numeric strings in range.
func scoreValue(v json.RawMessage) (model.Score, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	score := model.Score(f)
	if !score.Valid() {
		return 0, false
	}
	return score, true
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
