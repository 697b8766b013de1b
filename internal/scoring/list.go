package scoring

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	"github.com/rotisserie/eris"
)

// ParseEntityList reads a judge response naming the relevant entities, e.g.
// ["Paris", "Rome"]. It tries the fenced-stripped text as a JSON array, then
// the outermost bracket substring, then a repaired version of it (which
// also closes a truncated array), and
// finally a comma-separated list when the response has no brackets at all.
// Names are trimmed and blanks dropped. "[]" is a valid empty answer.
func ParseEntityList(raw string) ([]string, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, eris.Wrap(ErrParse, "scoring: empty list response")
	}

	if names, ok := decodeList(text); ok {
		return names, nil
	}

	if start := strings.Index(text, "["); start >= 0 {
		sub := text[start:]
		if end := strings.LastIndex(text, "]"); end > start {
			sub = text[start : end+1]
		}
		if names, ok := decodeList(sub); ok {
			return names, nil
		}
		repaired, err := jsonrepair.JSONRepair(sub)
		if err == nil {
			if names, ok := decodeList(repaired); ok {
				return names, nil
			}
		}
		return nil, eris.Wrapf(ErrParse, "scoring: unreadable list: %q", truncate(text))
	}
	if strings.ContainsAny(text, "{}") {
		return nil, eris.Wrapf(ErrParse, "scoring: expected a list: %q", truncate(text))
	}

	return cleanNames(strings.Split(text, ",")), nil
}

func decodeList(text string) ([]string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil || items == nil {
		return nil, false
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err != nil {
			return nil, false
		}
		names = append(names, s)
	}
	return cleanNames(names), true
}

func cleanNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.Trim(strings.TrimSpace(s), `"'`)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
