package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/groundtruth/internal/model"
)

// GroundTruth maps each query to its relevant entities, most relevant first.
type GroundTruth map[string][]string

// BuildGroundTruth ranks the scored entities of every query. Only usable
// scores above zero are kept; ties are broken by entity id. Every query that
// has at least one result appears, possibly with an empty list.
func BuildGroundTruth(results []model.Result) GroundTruth {
	byQuery := make(map[string][]model.Result)
	for _, r := range results {
		if _, ok := byQuery[r.Query]; !ok {
			byQuery[r.Query] = nil
		}
		if !r.OK() || r.Score <= 0 {
			continue
		}
		byQuery[r.Query] = append(byQuery[r.Query], r)
	}

	gt := make(GroundTruth, len(byQuery))
	for q, rs := range byQuery {
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Score != rs[j].Score {
				return rs[i].Score > rs[j].Score
			}
			return rs[i].EntityID < rs[j].EntityID
		})
		ids := make([]string, len(rs))
		for i, r := range rs {
			ids[i] = r.EntityID
		}
		gt[q] = ids
	}
	return gt
}

// WriteGroundTruth writes gt as indented JSON, creating parent directories.
func WriteGroundTruth(path string, gt GroundTruth) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "pipeline: create dir %s", dir)
		}
	}
	data, err := json.MarshalIndent(gt, "", "  ")
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal ground truth")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "pipeline: write ground truth %s", path)
	}
	return nil
}
