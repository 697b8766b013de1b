package pipeline

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"github.com/rotisserie/eris"
)

// Input maps each query to its candidate entities and their evidence.
type Input map[string]map[string][]string

// ErrInputNotFound is returned when the input file does not exist.
var ErrInputNotFound = eris.New("pipeline: input file not found")

// LoadInput reads an input file. Two shapes are accepted per entity:
// a plain list of evidence strings, or the dense-retrieval pair
// [score, [evidence...]] whose score is ignored.
func LoadInput(path string) (Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrInputNotFound, "path %s", path)
		}
		return nil, eris.Wrapf(err, "pipeline: read input %s", path)
	}
	in, err := ParseInput(data)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: input %s", path)
	}
	return in, nil
}

// ParseInput decodes input JSON.
func ParseInput(data []byte) (Input, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode input")
	}

	in := make(Input, len(raw))
	for query, entities := range raw {
		in[query] = make(map[string][]string, len(entities))
		for entity, val := range entities {
			ev, err := decodeEvidence(val)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: query %q entity %q", query, entity)
			}
			in[query][entity] = ev
		}
	}
	return in, nil
}

func decodeEvidence(val json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(val, &items); err != nil {
		return nil, eris.Wrap(err, "evidence must be a list")
	}
	if len(items) == 0 {
		return []string{}, nil
	}

	// Dense-retrieval shape: [score, [passages...]].
	first := bytes.TrimSpace(items[0])
	if len(first) > 0 && first[0] != '"' {
		if len(items) < 2 {
			return nil, eris.New("dense evidence requires [score, [passages]]")
		}
		var passages []string
		if err := json.Unmarshal(items[1], &passages); err != nil {
			return nil, eris.Wrap(err, "dense passages must be a list of strings")
		}
		return passages, nil
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err != nil {
			return nil, eris.Wrap(err, "evidence must be strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// Queries returns the queries in stable order.
func (in Input) Queries() []string {
	out := make([]string, 0, len(in))
	for q := range in {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Entities returns the entities of query in stable order.
func (in Input) Entities(query string) []string {
	ents := in[query]
	out := make([]string, 0, len(ents))
	for e := range ents {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Window selects the inclusive index range [start, end] of the sorted
// queries. Both bounds are clamped; a negative end selects through the last
// query.
func (in Input) Window(start, end int) []string {
	all := in.Queries()
	if len(all) == 0 {
		return all
	}
	last := len(all) - 1
	start = max(0, min(start, last))
	if end < 0 || end > last {
		end = last
	}
	end = max(start, end)
	return all[start : end+1]
}
