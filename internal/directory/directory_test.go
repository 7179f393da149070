package directory

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fakeSource returns fixed records and counts calls.
type fakeSource[T any] struct {
	kind    model.EntityKind
	records []T
	err     error
	calls   atomic.Int32
	// gate, when set, blocks GetRecords until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeSource[T]) Kind() model.EntityKind       { return f.kind }
func (f *fakeSource[T]) ServerTimeout() time.Duration { return 25 * time.Second }

func (f *fakeSource[T]) GetRecords(ctx context.Context, _ int64) ([]T, error) {
	f.calls.Add(1)
	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func ptr[T any](v T) *T { return &v }

func postalcodeSource(records ...model.Postalcode) *fakeSource[model.Postalcode] {
	return &fakeSource[model.Postalcode]{kind: model.KindPostalcodes, records: records}
}

func codes(t *testing.T, svc *PostalcodeService) []string {
	t.Helper()
	all, err := svc.GetAll(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(all))
	for _, pc := range all {
		out = append(out, pc.Code)
	}
	return out
}
