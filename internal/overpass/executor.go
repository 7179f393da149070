package overpass

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Querier runs a query against the geodata service and passes every result
// row, header included, to handle.
type Querier interface {
	QueryTable(ctx context.Context, query string, serverTimeout time.Duration, handle func(row []string) error) error
}

// Executor runs queries and classifies empty results by round-trip time.
type Executor struct {
	querier   Querier
	tolerance time.Duration
	now       func() time.Time
}

// NewExecutor creates an Executor. A round trip of at least
// serverTimeout-tolerance that produced no rows is treated as a timeout.
func NewExecutor(q Querier, tolerance time.Duration) *Executor {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Executor{querier: q, tolerance: tolerance, now: time.Now}
}

// Execute sends query, feeds the rows to h and returns the decoded records.
//
// An empty result is returned as an empty slice unless the round trip took at
// least the server timeout (minus the tolerance), in which case a
// *TimeoutExceededError is returned. Other failures propagate unchanged.
func Execute[T any](ctx context.Context, e *Executor, query string, h ResultHandler[T], serverTimeout time.Duration) ([]T, error) {
	log := zap.L().With(zap.String("component", "overpass.executor"))
	log.Debug("executing query", zap.Duration("server_timeout", serverTimeout))
	log.Debug("query text", zap.String("query", query))

	start := e.now()
	err := e.querier.QueryTable(ctx, query, serverTimeout, h.Handle)
	duration := e.now().Sub(start)

	// Includes transfer and parsing, not just server time.
	log.Debug("query round trip", zap.Duration("duration", duration))

	if err != nil {
		return nil, err
	}

	results, err := h.Results()
	if errors.Is(err, ErrEmptyResultSet) {
		if e.likelyTimedOut(duration, serverTimeout) {
			return nil, &TimeoutExceededError{ServerTimeout: serverTimeout, Duration: duration}
		}
		log.Debug("query returned no results", zap.Duration("duration", duration))
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Debug("executed query", zap.Int("results", len(results)), zap.Duration("duration", duration))
	return results, nil
}

func (e *Executor) likelyTimedOut(duration, serverTimeout time.Duration) bool {
	return duration >= serverTimeout-e.tolerance
}
