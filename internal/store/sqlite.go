package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/street-directory/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode
// and foreign key enforcement.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS postalcodes (
	id                        TEXT PRIMARY KEY,
	code                      TEXT NOT NULL UNIQUE,
	center_latitude           REAL,
	center_longitude          REAL,
	note                      TEXT,
	last_street_extraction_on DATETIME,
	created_at                DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS streets (
	id               TEXT PRIMARY KEY,
	postalcode_id    TEXT NOT NULL REFERENCES postalcodes(id),
	streetname       TEXT NOT NULL,
	center_latitude  REAL,
	center_longitude REAL,
	geometry         BLOB,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_streets_postalcode_streetname ON streets(postalcode_id, streetname);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	kind              TEXT NOT NULL,
	area_id           INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'running',
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME,
	records           INTEGER NOT NULL DEFAULT 0,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	server_timeout_ms INTEGER NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_kind_area ON extraction_runs(kind, area_id, started_at);
`

// Ping checks that the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the directory schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Postalcodes returns the postal code repository.
func (s *SQLiteStore) Postalcodes() PostalcodeRepository {
	return &sqlitePostalcodes{db: s.db}
}

// Streets returns the street repository.
func (s *SQLiteStore) Streets() StreetRepository {
	return &sqliteStreets{db: s.db}
}

func withSQLiteTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			zap.L().Warn("sqlite: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func isSQLiteUnique(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "UNIQUE"))
}

func isSQLiteForeignKey(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	return code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY ||
		(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "FOREIGN KEY"))
}

// wrapSQLite maps database/sql and SQLite errors onto the store sentinels.
func wrapSQLite(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return eris.Wrapf(ErrItemNotFound, format, args...)
	case isSQLiteUnique(err):
		return eris.Wrapf(ErrConflict, format, args...)
	default:
		return eris.Wrapf(err, format, args...)
	}
}

func checkRowsAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrItemNotFound, format, args...)
	}
	return nil
}

// --- Postal codes ---

type sqlitePostalcodes struct {
	db *sql.DB
}

const sqlitePostalcodeColumns = `id, code, center_latitude, center_longitude, note, last_street_extraction_on, created_at, updated_at`

func (r *sqlitePostalcodes) FindByNaturalKey(ctx context.Context, code string) (*model.Postalcode, error) {
	p, err := scanPostalcode(r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePostalcodeColumns+` FROM postalcodes WHERE code = ?`, code))
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: find postalcode %q", code)
	}
	return p, nil
}

func (r *sqlitePostalcodes) ExistsByNaturalKey(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM postalcodes WHERE code = ?)`, code).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: postalcode %q exists", code)
	}
	return exists, nil
}

func (r *sqlitePostalcodes) FindByID(ctx context.Context, id uuid.UUID) (*model.Postalcode, error) {
	p, err := scanPostalcode(r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePostalcodeColumns+` FROM postalcodes WHERE id = ?`, id))
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: get postalcode %s", id)
	}
	return p, nil
}

func (r *sqlitePostalcodes) ExistsByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM postalcodes WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: postalcode %s exists", id)
	}
	return exists, nil
}

func (r *sqlitePostalcodes) Save(ctx context.Context, p model.Postalcode) (*model.Postalcode, error) {
	now := time.Now().UTC()
	p.ID = uuid.New()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO postalcodes (`+sqlitePostalcodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.CenterLatitude, p.CenterLongitude, p.Note, p.LastStreetExtractionOn, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: insert postalcode %q", p.Code)
	}
	return &p, nil
}

func (r *sqlitePostalcodes) Update(ctx context.Context, p model.Postalcode) (*model.Postalcode, error) {
	p.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE postalcodes SET code = ?, center_latitude = ?, center_longitude = ?, note = ?,
			last_street_extraction_on = ?, updated_at = ? WHERE id = ?`,
		p.Code, p.CenterLatitude, p.CenterLongitude, p.Note, p.LastStreetExtractionOn, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: update postalcode %s", p.ID)
	}
	if err := checkRowsAffected(res, "sqlite: update postalcode %s", p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *sqlitePostalcodes) DeleteByID(ctx context.Context, id uuid.UUID) error {
	return withSQLiteTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM streets WHERE postalcode_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete streets of postalcode %s", id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM postalcodes WHERE id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete postalcode %s", id)
		}
		return checkRowsAffected(res, "sqlite: delete postalcode %s", id)
	})
}

func (r *sqlitePostalcodes) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := withSQLiteTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM streets`); err != nil {
			return eris.Wrap(err, "sqlite: delete all streets")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM postalcodes`)
		if err != nil {
			return eris.Wrap(err, "sqlite: delete all postalcodes")
		}
		n, err = res.RowsAffected()
		return eris.Wrap(err, "sqlite: rows affected")
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *sqlitePostalcodes) FindAll(ctx context.Context) ([]model.Postalcode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqlitePostalcodeColumns+` FROM postalcodes ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list postalcodes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Postalcode
	for rows.Next() {
		p, err := scanPostalcode(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan postalcode")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate postalcodes")
}

func (r *sqlitePostalcodes) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM postalcodes`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count postalcodes")
	}
	return n, nil
}

// --- Streets ---

type sqliteStreets struct {
	db *sql.DB
}

const sqliteStreetSelect = `SELECT s.id, s.postalcode_id, p.code, s.streetname, s.center_latitude, s.center_longitude,
	s.geometry, s.created_at, s.updated_at
	FROM streets s JOIN postalcodes p ON p.id = s.postalcode_id`

func (r *sqliteStreets) collect(rows *sql.Rows) ([]model.Street, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.Street
	for rows.Next() {
		st, err := scanStreet(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan street")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate streets")
}

func (r *sqliteStreets) FindByNaturalKey(ctx context.Context, key model.StreetKey) (*model.Street, error) {
	st, err := scanStreet(r.db.QueryRowContext(ctx,
		sqliteStreetSelect+` WHERE s.postalcode_id = ? AND s.streetname = ? ORDER BY s.created_at LIMIT 1`,
		key.PostalcodeID, key.Streetname))
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: find street %q in %s", key.Streetname, key.PostalcodeID)
	}
	return st, nil
}

func (r *sqliteStreets) ExistsByNaturalKey(ctx context.Context, key model.StreetKey) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM streets WHERE postalcode_id = ? AND streetname = ?)`,
		key.PostalcodeID, key.Streetname).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: street %q exists", key.Streetname)
	}
	return exists, nil
}

func (r *sqliteStreets) FindByID(ctx context.Context, id uuid.UUID) (*model.Street, error) {
	st, err := scanStreet(r.db.QueryRowContext(ctx, sqliteStreetSelect+` WHERE s.id = ?`, id))
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: get street %s", id)
	}
	return st, nil
}

func (r *sqliteStreets) ExistsByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM streets WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: street %s exists", id)
	}
	return exists, nil
}

func (r *sqliteStreets) Save(ctx context.Context, st model.Street) (*model.Street, error) {
	now := time.Now().UTC()
	st.ID = uuid.New()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO streets (id, postalcode_id, streetname, center_latitude, center_longitude, geometry, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.PostalcodeID, st.Streetname, st.CenterLatitude, st.CenterLongitude, st.Geometry, st.CreatedAt, st.UpdatedAt,
	)
	if isSQLiteForeignKey(err) {
		return nil, eris.Wrapf(ErrItemNotFound, "sqlite: insert street %q: postalcode %s", st.Streetname, st.PostalcodeID)
	}
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: insert street %q", st.Streetname)
	}
	return &st, nil
}

func (r *sqliteStreets) Update(ctx context.Context, st model.Street) (*model.Street, error) {
	st.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE streets SET postalcode_id = ?, streetname = ?, center_latitude = ?, center_longitude = ?,
			geometry = ?, updated_at = ? WHERE id = ?`,
		st.PostalcodeID, st.Streetname, st.CenterLatitude, st.CenterLongitude, st.Geometry, st.UpdatedAt, st.ID,
	)
	if isSQLiteForeignKey(err) {
		return nil, eris.Wrapf(ErrItemNotFound, "sqlite: update street %s: postalcode %s", st.ID, st.PostalcodeID)
	}
	if err != nil {
		return nil, wrapSQLite(err, "sqlite: update street %s", st.ID)
	}
	if err := checkRowsAffected(res, "sqlite: update street %s", st.ID); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *sqliteStreets) DeleteByID(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM streets WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete street %s", id)
	}
	return checkRowsAffected(res, "sqlite: delete street %s", id)
}

func (r *sqliteStreets) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM streets`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete all streets")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

func (r *sqliteStreets) FindAll(ctx context.Context) ([]model.Street, error) {
	rows, err := r.db.QueryContext(ctx, sqliteStreetSelect+` ORDER BY p.code, s.streetname`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list streets")
	}
	return r.collect(rows)
}

func (r *sqliteStreets) FindByPostalcode(ctx context.Context, postalcodeID uuid.UUID) ([]model.Street, error) {
	rows, err := r.db.QueryContext(ctx, sqliteStreetSelect+` WHERE s.postalcode_id = ? ORDER BY s.streetname`, postalcodeID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list streets of postalcode %s", postalcodeID)
	}
	return r.collect(rows)
}

func (r *sqliteStreets) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM streets`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count streets")
	}
	return n, nil
}

// --- Run log ---

func (s *SQLiteStore) StartRun(ctx context.Context, kind model.EntityKind, areaID int64, serverTimeout time.Duration) (*model.ExtractionRun, error) {
	run := &model.ExtractionRun{
		Kind:          kind,
		AreaID:        areaID,
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		ServerTimeout: serverTimeout,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (kind, area_id, status, started_at, server_timeout_ms) VALUES (?, ?, ?, ?, ?)`,
		string(kind), areaID, string(model.RunStatusRunning), run.StartedAt, serverTimeout.Milliseconds(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start %s run for area %d", kind, areaID)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: run id")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID int64, result model.RunResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ?, completed_at = ?, records = ?, duration_ms = ?,
			server_timeout_ms = ? WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(), result.Records, result.Duration.Milliseconds(),
		result.ServerTimeout.Milliseconds(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %d", runID)
	}
	return checkRowsAffected(res, "sqlite: complete run %d", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID int64, duration time.Duration, runErr error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ?, completed_at = ?, duration_ms = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), duration.Milliseconds(), errorText(runErr), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %d", runID)
	}
	return checkRowsAffected(res, "sqlite: fail run %d", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.AreaID != 0 {
		conds = append(conds, "area_id = ?")
		args = append(args, filter.AreaID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM extraction_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", runLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.ExtractionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
