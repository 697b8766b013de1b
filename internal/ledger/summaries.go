package ledger

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// SummaryCache stores query-specific entity summaries in a CSV file
// (Query,<entity header>,Summary) keyed like the ledger, so a resumed
// per-query run does not pay for the same summary twice.
type SummaryCache struct {
	path   string
	header []string

	mu      sync.RWMutex
	entries map[model.PairKey]string
	dirty   bool

	saveMu sync.Mutex
}

// OpenSummaryCache loads the cache at path. A missing file is an empty cache.
func OpenSummaryCache(ctx context.Context, path, entityHeader string) (*SummaryCache, error) {
	if entityHeader == "" {
		entityHeader = "Entity"
	}
	c := &SummaryCache{
		path:    path,
		header:  []string{"Query", entityHeader, "Summary"},
		entries: make(map[model.PairKey]string),
	}

	rows, err := readCSVRows(ctx, path)
	if err != nil {
		return nil, err
	}
	for i, record := range rows {
		if i == 0 && len(record) > 0 && record[0] == c.header[0] {
			continue
		}
		if len(record) != 3 {
			continue
		}
		c.entries[model.PairKey{Query: record[0], EntityID: record[1]}] = record[2]
	}
	zap.L().Info("ledger: summary cache opened",
		zap.String("path", path),
		zap.Int("summaries", len(c.entries)),
	)
	return c, nil
}

// Location returns the file path.
func (c *SummaryCache) Location() string { return c.path }

// Len returns the number of cached summaries.
func (c *SummaryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns the cached summary for (query, entity).
func (c *SummaryCache) Get(query, entity string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[model.PairKey{Query: query, EntityID: entity}]
	return s, ok
}

// Put caches a summary in memory. Flush persists it.
func (c *SummaryCache) Put(query, entity, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[model.PairKey{Query: query, EntityID: entity}] = summary
	c.dirty = true
}

// Flush rewrites the cache file when it has unsaved summaries.
func (c *SummaryCache) Flush(_ context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	keys := make([]model.PairKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Query != keys[j].Query {
			return keys[i].Query < keys[j].Query
		}
		return keys[i].EntityID < keys[j].EntityID
	})
	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{k.Query, k.EntityID, c.entries[k]}
	}
	c.dirty = false
	c.mu.Unlock()

	if err := writeCSVAtomic(c.path, c.header, rows, false); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		zap.L().Error("ledger: summary cache flush failed", zap.String("path", c.path), zap.Error(err))
		return err
	}
	return nil
}
