package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/street-directory/internal/db"
	"github.com/sells-group/street-directory/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// migrationLockID serializes concurrent migrations across processes.
const migrationLockID = 5133421

const postgresMigration = `
CREATE TABLE IF NOT EXISTS postalcodes (
	id                        UUID PRIMARY KEY,
	code                      TEXT NOT NULL UNIQUE,
	center_latitude           DOUBLE PRECISION,
	center_longitude          DOUBLE PRECISION,
	note                      TEXT,
	last_street_extraction_on TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS streets (
	id               UUID PRIMARY KEY,
	postalcode_id    UUID NOT NULL REFERENCES postalcodes(id),
	streetname       TEXT NOT NULL,
	center_latitude  DOUBLE PRECISION,
	center_longitude DOUBLE PRECISION,
	geometry         BYTEA,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_streets_postalcode_streetname ON streets(postalcode_id, streetname);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id                BIGSERIAL PRIMARY KEY,
	kind              TEXT NOT NULL,
	area_id           BIGINT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'running',
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	records           BIGINT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	server_timeout_ms BIGINT NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_kind_area ON extraction_runs(kind, area_id, started_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the directory schema. A transaction-scoped advisory lock
// keeps concurrent deploys from racing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "postgres: acquire migration lock")
		}
		if _, err := tx.Exec(ctx, postgresMigration); err != nil {
			return eris.Wrap(err, "postgres: migrate")
		}
		return nil
	})
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Postalcodes returns the postal code repository.
func (s *PostgresStore) Postalcodes() PostalcodeRepository {
	return &pgPostalcodes{pool: s.pool}
}

// Streets returns the street repository.
func (s *PostgresStore) Streets() StreetRepository {
	return &pgStreets{pool: s.pool}
}

// wrapPg maps pgx and PostgreSQL errors onto the store sentinels.
func wrapPg(err error, format string, args ...any) error {
	switch {
	case db.IsNoRows(err):
		return eris.Wrapf(ErrItemNotFound, format, args...)
	case db.IsUniqueViolation(err):
		return eris.Wrapf(ErrConflict, format, args...)
	default:
		return eris.Wrapf(err, format, args...)
	}
}

// --- Postal codes ---

type pgPostalcodes struct {
	pool db.Pool
}

const pgPostalcodeColumns = `id, code, center_latitude, center_longitude, note, last_street_extraction_on, created_at, updated_at`

func scanPostalcode(row scannable) (*model.Postalcode, error) {
	var p model.Postalcode
	err := row.Scan(&p.ID, &p.Code, &p.CenterLatitude, &p.CenterLongitude, &p.Note,
		&p.LastStreetExtractionOn, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgPostalcodes) FindByNaturalKey(ctx context.Context, code string) (*model.Postalcode, error) {
	p, err := scanPostalcode(r.pool.QueryRow(ctx,
		`SELECT `+pgPostalcodeColumns+` FROM postalcodes WHERE code = $1`, code))
	if err != nil {
		return nil, wrapPg(err, "postgres: find postalcode %q", code)
	}
	return p, nil
}

func (r *pgPostalcodes) ExistsByNaturalKey(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM postalcodes WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: postalcode %q exists", code)
	}
	return exists, nil
}

func (r *pgPostalcodes) FindByID(ctx context.Context, id uuid.UUID) (*model.Postalcode, error) {
	p, err := scanPostalcode(r.pool.QueryRow(ctx,
		`SELECT `+pgPostalcodeColumns+` FROM postalcodes WHERE id = $1`, id))
	if err != nil {
		return nil, wrapPg(err, "postgres: get postalcode %s", id)
	}
	return p, nil
}

func (r *pgPostalcodes) ExistsByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM postalcodes WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: postalcode %s exists", id)
	}
	return exists, nil
}

func (r *pgPostalcodes) Save(ctx context.Context, p model.Postalcode) (*model.Postalcode, error) {
	now := time.Now().UTC()
	p.ID = uuid.New()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO postalcodes (`+pgPostalcodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Code, p.CenterLatitude, p.CenterLongitude, p.Note, p.LastStreetExtractionOn, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, wrapPg(err, "postgres: insert postalcode %q", p.Code)
	}
	return &p, nil
}

func (r *pgPostalcodes) Update(ctx context.Context, p model.Postalcode) (*model.Postalcode, error) {
	p.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx,
		`UPDATE postalcodes SET code = $1, center_latitude = $2, center_longitude = $3, note = $4,
			last_street_extraction_on = $5, updated_at = $6 WHERE id = $7`,
		p.Code, p.CenterLatitude, p.CenterLongitude, p.Note, p.LastStreetExtractionOn, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, wrapPg(err, "postgres: update postalcode %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrItemNotFound, "postgres: update postalcode %s", p.ID)
	}
	return &p, nil
}

func (r *pgPostalcodes) DeleteByID(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM streets WHERE postalcode_id = $1`, id); err != nil {
			return eris.Wrapf(err, "postgres: delete streets of postalcode %s", id)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM postalcodes WHERE id = $1`, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: delete postalcode %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrItemNotFound, "postgres: delete postalcode %s", id)
		}
		return nil
	})
}

func (r *pgPostalcodes) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM streets`); err != nil {
			return eris.Wrap(err, "postgres: delete all streets")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM postalcodes`)
		if err != nil {
			return eris.Wrap(err, "postgres: delete all postalcodes")
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *pgPostalcodes) FindAll(ctx context.Context) ([]model.Postalcode, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+pgPostalcodeColumns+` FROM postalcodes ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list postalcodes")
	}
	defer rows.Close()

	var out []model.Postalcode
	for rows.Next() {
		p, err := scanPostalcode(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan postalcode")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate postalcodes")
}

func (r *pgPostalcodes) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM postalcodes`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count postalcodes")
	}
	return n, nil
}

// --- Streets ---

type pgStreets struct {
	pool db.Pool
}

const pgStreetSelect = `SELECT s.id, s.postalcode_id, p.code, s.streetname, s.center_latitude, s.center_longitude,
	s.geometry, s.created_at, s.updated_at
	FROM streets s JOIN postalcodes p ON p.id = s.postalcode_id`

func scanStreet(row scannable) (*model.Street, error) {
	var st model.Street
	err := row.Scan(&st.ID, &st.PostalcodeID, &st.Postalcode, &st.Streetname, &st.CenterLatitude,
		&st.CenterLongitude, &st.Geometry, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *pgStreets) collect(rows pgx.Rows) ([]model.Street, error) {
	defer rows.Close()

	var out []model.Street
	for rows.Next() {
		st, err := scanStreet(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan street")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate streets")
}

func (r *pgStreets) FindByNaturalKey(ctx context.Context, key model.StreetKey) (*model.Street, error) {
	st, err := scanStreet(r.pool.QueryRow(ctx,
		pgStreetSelect+` WHERE s.postalcode_id = $1 AND s.streetname = $2 ORDER BY s.created_at LIMIT 1`,
		key.PostalcodeID, key.Streetname))
	if err != nil {
		return nil, wrapPg(err, "postgres: find street %q in %s", key.Streetname, key.PostalcodeID)
	}
	return st, nil
}

func (r *pgStreets) ExistsByNaturalKey(ctx context.Context, key model.StreetKey) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM streets WHERE postalcode_id = $1 AND streetname = $2)`,
		key.PostalcodeID, key.Streetname).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: street %q exists", key.Streetname)
	}
	return exists, nil
}

func (r *pgStreets) FindByID(ctx context.Context, id uuid.UUID) (*model.Street, error) {
	st, err := scanStreet(r.pool.QueryRow(ctx, pgStreetSelect+` WHERE s.id = $1`, id))
	if err != nil {
		return nil, wrapPg(err, "postgres: get street %s", id)
	}
	return st, nil
}

func (r *pgStreets) ExistsByID(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM streets WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: street %s exists", id)
	}
	return exists, nil
}

func (r *pgStreets) Save(ctx context.Context, st model.Street) (*model.Street, error) {
	now := time.Now().UTC()
	st.ID = uuid.New()
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO streets (id, postalcode_id, streetname, center_latitude, center_longitude, geometry, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.PostalcodeID, st.Streetname, st.CenterLatitude, st.CenterLongitude, st.Geometry, st.CreatedAt, st.UpdatedAt,
	)
	if db.IsForeignKeyViolation(err) {
		return nil, eris.Wrapf(ErrItemNotFound, "postgres: insert street %q: postalcode %s", st.Streetname, st.PostalcodeID)
	}
	if err != nil {
		return nil, wrapPg(err, "postgres: insert street %q", st.Streetname)
	}
	return &st, nil
}

func (r *pgStreets) Update(ctx context.Context, st model.Street) (*model.Street, error) {
	st.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx,
		`UPDATE streets SET postalcode_id = $1, streetname = $2, center_latitude = $3, center_longitude = $4,
			geometry = $5, updated_at = $6 WHERE id = $7`,
		st.PostalcodeID, st.Streetname, st.CenterLatitude, st.CenterLongitude, st.Geometry, st.UpdatedAt, st.ID,
	)
	if db.IsForeignKeyViolation(err) {
		return nil, eris.Wrapf(ErrItemNotFound, "postgres: update street %s: postalcode %s", st.ID, st.PostalcodeID)
	}
	if err != nil {
		return nil, wrapPg(err, "postgres: update street %s", st.ID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrItemNotFound, "postgres: update street %s", st.ID)
	}
	return &st, nil
}

func (r *pgStreets) DeleteByID(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM streets WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete street %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrItemNotFound, "postgres: delete street %s", id)
	}
	return nil
}

func (r *pgStreets) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM streets`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete all streets")
	}
	return tag.RowsAffected(), nil
}

func (r *pgStreets) FindAll(ctx context.Context) ([]model.Street, error) {
	rows, err := r.pool.Query(ctx, pgStreetSelect+` ORDER BY p.code, s.streetname`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list streets")
	}
	return r.collect(rows)
}

func (r *pgStreets) FindByPostalcode(ctx context.Context, postalcodeID uuid.UUID) ([]model.Street, error) {
	rows, err := r.pool.Query(ctx, pgStreetSelect+` WHERE s.postalcode_id = $1 ORDER BY s.streetname`, postalcodeID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list streets of postalcode %s", postalcodeID)
	}
	return r.collect(rows)
}

func (r *pgStreets) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM streets`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count streets")
	}
	return n, nil
}

// --- Run log ---

const runColumns = `id, kind, area_id, status, started_at, completed_at, records, duration_ms, server_timeout_ms, error`

func (s *PostgresStore) StartRun(ctx context.Context, kind model.EntityKind, areaID int64, serverTimeout time.Duration) (*model.ExtractionRun, error) {
	run := &model.ExtractionRun{
		Kind:          kind,
		AreaID:        areaID,
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		ServerTimeout: serverTimeout,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO extraction_runs (kind, area_id, status, started_at, server_timeout_ms)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		string(kind), areaID, string(model.RunStatusRunning), run.StartedAt, serverTimeout.Milliseconds(),
	).Scan(&run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start %s run for area %d", kind, areaID)
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID int64, result model.RunResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET status = $1, completed_at = $2, records = $3, duration_ms = $4,
			server_timeout_ms = $5 WHERE id = $6`,
		string(model.RunStatusComplete), time.Now().UTC(), result.Records, result.Duration.Milliseconds(),
		result.ServerTimeout.Milliseconds(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrItemNotFound, "postgres: complete run %d", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID int64, duration time.Duration, runErr error) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET status = $1, completed_at = $2, duration_ms = $3, error = $4 WHERE id = $5`,
		string(model.RunStatusFailed), time.Now().UTC(), duration.Milliseconds(), errorText(runErr), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrItemNotFound, "postgres: fail run %d", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error) {
	query := `SELECT ` + runColumns + ` FROM extraction_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.AreaID != 0 {
		query += fmt.Sprintf(` AND area_id = $%d`, argIdx)
		args = append(args, filter.AreaID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, runLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ExtractionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate runs")
	}
	return runs, nil
}
