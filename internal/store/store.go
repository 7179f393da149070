// Package store persists the street directory: postal codes, streets and the
// extraction run log. PostgreSQL and SQLite backends share the same contract.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/street-directory/internal/model"
)

var (
	// ErrItemNotFound is returned when a lookup by key or ID misses.
	ErrItemNotFound = eris.New("store: item not found")
	// ErrConflict is returned when a write collides with an existing natural key.
	ErrConflict = eris.New("store: natural key conflict")
	// ErrHasDependents is returned when an item cannot be removed because other
	// items still reference it.
	ErrHasDependents = eris.New("store: item has dependents")
)

// Repository is a keyed store for one entity type. K is the natural key.
type Repository[T any, K comparable] interface {
	FindByNaturalKey(ctx context.Context, key K) (*T, error)
	ExistsByNaturalKey(ctx context.Context, key K) (bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	ExistsByID(ctx context.Context, id uuid.UUID) (bool, error)
	// Save inserts item under a newly assigned ID.
	Save(ctx context.Context, item T) (*T, error)
	// Update overwrites the stored item with the same ID.
	Update(ctx context.Context, item T) (*T, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context) (int64, error)
	FindAll(ctx context.Context) ([]T, error)
	Count(ctx context.Context) (int64, error)
}

// PostalcodeRepository stores postal codes keyed by code. Deleting a postal
// code deletes its streets in the same transaction.
type PostalcodeRepository interface {
	Repository[model.Postalcode, string]
}

// StreetRepository stores streets keyed by postal code and street name.
type StreetRepository interface {
	Repository[model.Street, model.StreetKey]
	FindByPostalcode(ctx context.Context, postalcodeID uuid.UUID) ([]model.Street, error)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Kind   model.EntityKind `json:"kind,omitempty"`
	AreaID int64            `json:"area_id,omitempty"`
	Status model.RunStatus  `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// Store is the persistence interface of the directory.
type Store interface {
	Postalcodes() PostalcodeRepository
	Streets() StreetRepository

	// Run log
	StartRun(ctx context.Context, kind model.EntityKind, areaID int64, serverTimeout time.Duration) (*model.ExtractionRun, error)
	CompleteRun(ctx context.Context, runID int64, result model.RunResult) error
	FailRun(ctx context.Context, runID int64, duration time.Duration, runErr error) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultRunLimit = 50

func runLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return defaultRunLimit
	}
	return f.Limit
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ExtractionRun, error) {
	var (
		run                   model.ExtractionRun
		kind, status          string
		durationMs, timeoutMs int64
	)
	err := row.Scan(&run.ID, &kind, &run.AreaID, &status, &run.StartedAt, &run.CompletedAt,
		&run.Records, &durationMs, &timeoutMs, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Kind = model.EntityKind(kind)
	run.Status = model.RunStatus(status)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.ServerTimeout = time.Duration(timeoutMs) * time.Millisecond
	return &run, nil
}
