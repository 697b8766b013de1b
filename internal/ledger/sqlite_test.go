package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/groundtruth/internal/model"
)

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "ledger.db")

	b, err := NewSQLiteBackend(ctx, dsn)
	require.NoError(t, err)

	rows := []model.Result{
		{Query: "q", EntityID: "A", Score: 2},
		{Query: "q", EntityID: "B", Marker: model.MarkerError},
	}
	require.NoError(t, b.Save(ctx, Batch{All: rows, Pending: rows}))
	// Re-saving an existing pair leaves the first value.
	dup := []model.Result{{Query: "q", EntityID: "A", Score: 0}}
	require.NoError(t, b.Save(ctx, Batch{Pending: dup}))
	require.NoError(t, b.Close())

	b2, err := NewSQLiteBackend(ctx, dsn)
	require.NoError(t, err)
	defer b2.Close() //nolint:errcheck

	got, err := b2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
	assert.Equal(t, dsn, b2.Location())
}

func TestSQLiteBackend_LedgerResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "ledger.db")

	b, err := NewSQLiteBackend(ctx, dsn)
	require.NoError(t, err)
	l, err := Open(ctx, b, Options{FlushEvery: 1})
	require.NoError(t, err)
	_, err = l.Put(ctx, model.Result{Query: "q", EntityID: "A", Score: 1})
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx))

	b2, err := NewSQLiteBackend(ctx, dsn)
	require.NoError(t, err)
	l2, err := Open(ctx, b2, Options{})
	require.NoError(t, err)
	defer l2.Close(ctx) //nolint:errcheck
	assert.True(t, l2.Has("q", "A"))
}
