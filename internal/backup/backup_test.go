package backup

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/directory"
	"github.com/sells-group/street-directory/internal/lock"
	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "backup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func services(st store.Store) (*directory.PostalcodeService, *directory.StreetService) {
	locker := lock.NewKeyedMutex()
	return directory.NewPostalcodeService(st, nil, locker), directory.NewStreetService(st, nil, locker)
}

func ptr[T any](v T) *T { return &v }

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	pcs, streets := services(src)

	_, err := pcs.UpdateOrAdd(ctx, model.Postalcode{Code: "96450", Note: ptr("Coburg"), CenterLatitude: ptr(50.26), CenterLongitude: ptr(10.96)})
	require.NoError(t, err)
	_, err = streets.UpdateOrAdd(ctx, model.ExtractedStreet{PostalCode: "96450", Streetname: "Am Markt"})
	require.NoError(t, err)
	_, err = streets.UpdateOrAdd(ctx, model.ExtractedStreet{PostalCode: "96465", Streetname: "Bahnhofstraße", CenterLatitude: ptr(50.33), CenterLongitude: ptr(11.12)})
	require.NoError(t, err)

	var buf bytes.Buffer
	stats, err := Export(ctx, pcs, streets, &buf)
	require.NoError(t, err)
	assert.Equal(t, Stats{Postalcodes: 2, Streets: 2}, stats)
	assert.Contains(t, buf.String(), "code: \"96450\"")
	assert.Contains(t, buf.String(), "Bahnhofstra")

	dst := newTestStore(t)
	dstPcs, dstStreets := services(dst)
	stats, err = Import(ctx, bytes.NewReader(buf.Bytes()), dstPcs, dstStreets)
	require.NoError(t, err)
	assert.Equal(t, Stats{Postalcodes: 2, Streets: 2}, stats)

	got, err := dstPcs.GetByCode(ctx, "96450")
	require.NoError(t, err)
	assert.Equal(t, "Coburg", *got.Note)

	imported, err := dstStreets.GetByPostalcode(ctx, "96465")
	require.NoError(t, err)
	require.Len(t, imported, 1)
	assert.Equal(t, "Bahnhofstraße", imported[0].Streetname)
	assert.NotNil(t, imported[0].Geometry)

	// Importing the same document again changes nothing.
	_, err = Import(ctx, bytes.NewReader(buf.Bytes()), dstPcs, dstStreets)
	require.NoError(t, err)
	all, err := dstStreets.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestImport_RejectsUnknownVersion(t *testing.T) {
	st := newTestStore(t)
	pcs, streets := services(st)

	_, err := Import(context.Background(), strings.NewReader("version: 7\npostalcodes: []\n"), pcs, streets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format version 7")
}

func TestImport_StopsAtInvalidEntry(t *testing.T) {
	st := newTestStore(t)
	pcs, streets := services(st)

	doc := `
version: 1
postalcodes:
  - code: "10001"
  - code: ""
  - code: "10003"
`
	stats, err := Import(context.Background(), strings.NewReader(doc), pcs, streets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 2")
	assert.Equal(t, 1, stats.Postalcodes)

	all, err := pcs.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10001", all[0].Code)
}

func TestImport_Malformed(t *testing.T) {
	st := newTestStore(t)
	pcs, streets := services(st)

	_, err := Import(context.Background(), strings.NewReader("version: [oops"), pcs, streets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
