// Package directory reconciles extracted records with the stored directory.
//
// Populate pulls every record of one kind for an area and upserts each by its
// natural key: an existing entry is re-read by ID, overwritten and saved; a
// missing one is inserted. The first failing record aborts the batch. Records
// upserted before it stay.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/model"
)

// ErrNoSource is returned by Populate on a service built without an extractor.
var ErrNoSource = eris.New("directory: no extraction source configured")

// Source yields the records of one kind for an area.
type Source[T any] interface {
	Kind() model.EntityKind
	ServerTimeout() time.Duration
	GetRecords(ctx context.Context, areaID int64) ([]T, error)
}

// RunLog records populate runs.
type RunLog interface {
	StartRun(ctx context.Context, kind model.EntityKind, areaID int64, serverTimeout time.Duration) (*model.ExtractionRun, error)
	CompleteRun(ctx context.Context, runID int64, result model.RunResult) error
	FailRun(ctx context.Context, runID int64, duration time.Duration, runErr error) error
}

// RecordError is the failure of one record in a populate batch. Index is
// 1-based in upstream order.
type RecordError struct {
	Index int
	Total int
	Key   string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("directory: record %d of %d (%s): %v", e.Index, e.Total, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

func postalcodeLockKey(code string) string { return "postalcode:" + code }

func streetLockKey(key model.StreetKey) string {
	return "street:" + key.PostalcodeID.String() + ":" + key.Streetname
}

// batch describes one populate run.
type batch[T any] struct {
	kind    model.EntityKind
	source  Source[T]
	runs    RunLog
	now     func() time.Time
	log     *zap.Logger
	keyOf   func(T) string
	upsert  func(ctx context.Context, rec T) error
	finish  func(ctx context.Context, runTime time.Time) error
	started time.Time
}

// run extracts the records for areaID and upserts them in order.
func (b *batch[T]) run(ctx context.Context, areaID int64) (int, error) {
	log := b.log.With(zap.Int64("area_id", areaID))
	b.started = b.now()

	run, err := b.runs.StartRun(ctx, b.kind, areaID, b.source.ServerTimeout())
	if err != nil {
		return 0, eris.Wrapf(err, "directory: start %s run for area %d", b.kind, areaID)
	}

	records, err := b.source.GetRecords(ctx, areaID)
	if err != nil {
		return 0, b.fail(ctx, log, run.ID, err)
	}
	log.Info("reconciling records", zap.Int("records", len(records)))

	for i, rec := range records {
		if err := b.upsert(ctx, rec); err != nil {
			recErr := &RecordError{Index: i + 1, Total: len(records), Key: b.keyOf(rec), Err: err}
			return i, b.fail(ctx, log, run.ID, recErr)
		}
	}

	if b.finish != nil {
		if err := b.finish(ctx, b.started); err != nil {
			return len(records), b.fail(ctx, log, run.ID, err)
		}
	}

	duration := b.now().Sub(b.started)
	result := model.RunResult{
		Records:       int64(len(records)),
		Duration:      duration,
		ServerTimeout: b.source.ServerTimeout(),
	}
	if err := b.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, result); err != nil {
		log.Warn("failed to record run completion", zap.Int64("run_id", run.ID), zap.Error(err))
	}

	log.Info("populate complete",
		zap.Int("records", len(records)),
		zap.Duration("duration", duration),
	)
	return len(records), nil
}

func (b *batch[T]) fail(ctx context.Context, log *zap.Logger, runID int64, cause error) error {
	duration := b.now().Sub(b.started)
	if err := b.runs.FailRun(context.WithoutCancel(ctx), runID, duration, cause); err != nil {
		log.Warn("failed to record run failure", zap.Int64("run_id", runID), zap.Error(err))
	}
	log.Error("populate failed", zap.Duration("duration", duration), zap.Error(cause))
	return cause
}
