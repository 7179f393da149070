package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func postalcodeRow(p model.Postalcode) []any {
	return []any{p.ID, p.Code, p.CenterLatitude, p.CenterLongitude, p.Note,
		p.LastStreetExtractionOn, p.CreatedAt, p.UpdatedAt}
}

var postalcodeCols = []string{"id", "code", "center_latitude", "center_longitude", "note",
	"last_street_extraction_on", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(migrationLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS postalcodes`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_FindByNaturalKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	lat, lon := 50.26, 10.96
	note := "Coburg"
	want := model.Postalcode{
		ID:              uuid.New(),
		Code:            "96450",
		CenterLatitude:  &lat,
		CenterLongitude: &lon,
		Note:            &note,
		CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`SELECT .+ FROM postalcodes WHERE code = \$1`).
		WithArgs("96450").
		WillReturnRows(pgxmock.NewRows(postalcodeCols).AddRow(postalcodeRow(want)...))

	got, err := s.Postalcodes().FindByNaturalKey(context.Background(), "96450")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "96450", got.Code)
	require.NotNil(t, got.Note)
	assert.Equal(t, "Coburg", *got.Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_FindByNaturalKey_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM postalcodes WHERE code = \$1`).
		WithArgs("00000").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Postalcodes().FindByNaturalKey(context.Background(), "00000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrItemNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_Save_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO postalcodes`).
		WithArgs(pgxmock.AnyArg(), "99999", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := s.Postalcodes().Save(context.Background(), model.Postalcode{Code: "99999"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_Save_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO postalcodes`).
		WithArgs(pgxmock.AnyArg(), "12345", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	_, err := s.Postalcodes().Save(context.Background(), model.Postalcode{Code: "12345"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_Update_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE postalcodes SET`).
		WithArgs("12345", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := s.Postalcodes().Update(context.Background(), model.Postalcode{ID: id, Code: "12345"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrItemNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_DeleteByID_CascadesInTx(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM streets WHERE postalcode_id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM postalcodes WHERE id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Postalcodes().DeleteByID(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_DeleteByID_MissingRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM streets WHERE postalcode_id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM postalcodes WHERE id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := s.Postalcodes().DeleteByID(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrItemNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_DeleteAll(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM streets`).WillReturnResult(pgxmock.NewResult("DELETE", 10))
	mock.ExpectExec(`DELETE FROM postalcodes`).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	n, err := s.Postalcodes().DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostalcodes_Count(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM postalcodes`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := s.Postalcodes().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStreets_Save_MissingPostalcode(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	pid := uuid.New()

	mock.ExpectExec(`INSERT INTO streets`).
		WithArgs(pgxmock.AnyArg(), pid, "Hauptstraße", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})

	_, err := s.Streets().Save(context.Background(), model.Street{PostalcodeID: pid, Streetname: "Hauptstraße"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrItemNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStreets_ExistsByNaturalKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	pid := uuid.New()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM streets WHERE postalcode_id = \$1 AND streetname = \$2\)`).
		WithArgs(pid, "Am Markt").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.Streets().ExistsByNaturalKey(context.Background(), model.StreetKey{PostalcodeID: pid, Streetname: "Am Markt"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStreets_DeleteByID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM streets WHERE id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.Streets().DeleteByID(context.Background(), id)
	assert.True(t, errors.Is(err, ErrItemNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO extraction_runs .+ RETURNING id`).
		WithArgs("postalcodes", int64(3600062428), "running", pgxmock.AnyArg(), int64(180000)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	run, err := s.StartRun(context.Background(), model.KindPostalcodes, 3600062428, 180*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(11), run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE extraction_runs SET status = \$1`).
		WithArgs("failed", pgxmock.AnyArg(), int64(190000), "overpass: boom", int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FailRun(context.Background(), 4, 190*time.Second, errors.New("overpass: boom"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM extraction_runs WHERE true AND kind = \$1 AND area_id = \$2 ORDER BY started_at DESC, id DESC LIMIT \$3`).
		WithArgs("streets", int64(42), 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "area_id", "status", "started_at",
			"completed_at", "records", "duration_ms", "server_timeout_ms", "error"}).
			AddRow(int64(1), "streets", int64(42), "complete", started, &started, int64(12), int64(1500), int64(180000), ""))

	runs, err := s.ListRuns(context.Background(), RunFilter{Kind: model.KindStreets, AreaID: 42})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.KindStreets, runs[0].Kind)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)
	assert.Equal(t, 180*time.Second, runs[0].ServerTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}
