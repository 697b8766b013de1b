package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// BackupSuffix is appended to the previous ledger file on every save.
const BackupSuffix = ".bak"

// CSVBackend stores the ledger as a three-column CSV file:
// Query,<entity header>,Relevance Score.
type CSVBackend struct {
	path   string
	header []string
}

// NewCSVBackend creates a backend writing to path. entityHeader names the
// second column (e.g. "City").
func NewCSVBackend(path, entityHeader string) *CSVBackend {
	if entityHeader == "" {
		entityHeader = "Entity"
	}
	return &CSVBackend{
		path:   path,
		header: []string{"Query", entityHeader, "Relevance Score"},
	}
}

// Location returns the file path.
func (b *CSVBackend) Location() string { return b.path }

// Close is a no-op; files are opened per save.
func (b *CSVBackend) Close() error { return nil }

// Load reads the ledger file merged with its backup. Rows of the main file
// win; rows only the backup holds (a save that crashed before the new file
// was complete) are recovered.
func (b *CSVBackend) Load(ctx context.Context) ([]model.Result, error) {
	primary, err := b.loadFile(ctx, b.path)
	if err != nil {
		return nil, err
	}
	bak, err := b.loadFile(ctx, b.path+BackupSuffix)
	if err != nil {
		return nil, err
	}

	seen := make(map[model.PairKey]bool, len(primary))
	for _, r := range primary {
		seen[r.Key()] = true
	}
	out := primary
	recovered := 0
	for _, r := range bak {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
		recovered++
	}
	if recovered > 0 {
		zap.L().Warn("ledger: recovered results from backup",
			zap.String("backup", b.path+BackupSuffix),
			zap.Int("recovered", recovered),
		)
	}
	return out, nil
}

func (b *CSVBackend) loadFile(ctx context.Context, path string) ([]model.Result, error) {
	rows, err := readCSVRows(ctx, path)
	if err != nil {
		return nil, err
	}

	var (
		out     []model.Result
		skipped int
	)
	for i, record := range rows {
		if i == 0 && len(record) > 0 && record[0] == b.header[0] {
			continue
		}
		if len(record) != 3 {
			skipped++
			continue
		}
		r, err := model.ParseScoreField(record[0], record[1], record[2])
		if err != nil {
			skipped++
			continue
		}
		out = append(out, r)
	}
	if skipped > 0 {
		zap.L().Warn("ledger: skipped malformed rows",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

// Save writes the full ledger to a temp file and renames it over the ledger,
// keeping the replaced file as the backup.
func (b *CSVBackend) Save(_ context.Context, batch Batch) error {
	rows := make([][]string, len(batch.All))
	for i, r := range batch.All {
		rows[i] = []string{r.Query, r.EntityID, r.ScoreField()}
	}
	return writeCSVAtomic(b.path, b.header, rows, true)
}
