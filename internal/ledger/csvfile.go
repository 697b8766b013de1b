package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// readCSVRows reads every record of path. A missing file yields no rows. A
// malformed tail (a write cut short by a crash) ends the read with a Warn
// instead of failing, so the rows before it are kept.
func readCSVRows(ctx context.Context, path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ledger: load canceled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			zap.L().Warn("ledger: truncated csv, keeping rows read so far",
				zap.String("path", path),
				zap.Int("rows", len(rows)),
				zap.Error(err),
			)
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: read %s", path)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

// writeCSVAtomic writes header and rows to a temp file next to path and
// renames it into place. When backup is set the replaced file is kept at
// path+BackupSuffix. The previous file stays intact until the new one is
// complete on disk.
func writeCSVAtomic(path string, header []string, rows [][]string, backup bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "ledger: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "ledger: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "ledger: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "ledger: write rows")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "ledger: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "ledger: close temp file")
	}

	if backup {
		if _, err := os.Stat(path); err == nil {
			if err := os.Rename(path, path+BackupSuffix); err != nil {
				return eris.Wrapf(err, "ledger: backup %s", path)
			}
		}
	}
	return eris.Wrapf(os.Rename(tmpName, path), "ledger: replace %s", path)
}
