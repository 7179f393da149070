// Package extraction turns an area identifier into typed records by querying
// the geodata service.
package extraction

import (
	"context"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/overpass"
)

// DefaultServerTimeout is the server-side time budget requested when none is
// configured.
const DefaultServerTimeout = 180 * time.Second

// Options configures an Extractor.
type Options struct {
	// ServerTimeout is the time budget requested from the geodata service.
	ServerTimeout time.Duration
}

// Extractor fetches records of one entity kind for an area. It never touches
// the directory store.
type Extractor[T any] struct {
	kind          model.EntityKind
	exec          *overpass.Executor
	tmpl          *template.Template
	newHandler    func() overpass.ResultHandler[T]
	serverTimeout time.Duration
}

func newExtractor[T any](kind model.EntityKind, exec *overpass.Executor, tmpl *template.Template, newHandler func() overpass.ResultHandler[T], opts Options) *Extractor[T] {
	timeout := opts.ServerTimeout
	if timeout <= 0 {
		timeout = DefaultServerTimeout
	}
	return &Extractor[T]{
		kind:          kind,
		exec:          exec,
		tmpl:          tmpl,
		newHandler:    newHandler,
		serverTimeout: timeout,
	}
}

// NewPostalcodeExtractor creates an Extractor for postal code boundaries.
func NewPostalcodeExtractor(exec *overpass.Executor, opts Options) *Extractor[model.Postalcode] {
	return newExtractor(model.KindPostalcodes, exec, postalcodeQuery, NewPostalcodeListHandler, opts)
}

// NewStreetExtractor creates an Extractor for named streets grouped by
// postal code.
func NewStreetExtractor(exec *overpass.Executor, opts Options) *Extractor[model.ExtractedStreet] {
	return newExtractor(model.KindStreets, exec, streetQuery, NewStreetListHandler, opts)
}

// Kind returns the entity kind this extractor asks for.
func (e *Extractor[T]) Kind() model.EntityKind { return e.kind }

// ServerTimeout returns the server-side time budget.
func (e *Extractor[T]) ServerTimeout() time.Duration { return e.serverTimeout }

// Query renders the query text for areaID.
func (e *Extractor[T]) Query(areaID int64) (string, error) {
	var b strings.Builder
	err := e.tmpl.Execute(&b, queryParams{
		AreaID:         areaID,
		TimeoutSeconds: int(math.Ceil(e.serverTimeout.Seconds())),
	})
	if err != nil {
		return "", eris.Wrapf(err, "extraction: render %s query", e.kind)
	}
	return b.String(), nil
}

// GetRecords queries the records for areaID. A query that most likely hit the
// server timeout fails with an error wrapping *overpass.TimeoutExceededError;
// it is not retried with a larger budget.
func (e *Extractor[T]) GetRecords(ctx context.Context, areaID int64) ([]T, error) {
	log := zap.L().With(
		zap.String("component", "extraction"),
		zap.String("kind", string(e.kind)),
		zap.Int64("area_id", areaID),
	)

	query, err := e.Query(areaID)
	if err != nil {
		return nil, err
	}

	log.Debug("extracting records", zap.Duration("server_timeout", e.serverTimeout))
	records, err := overpass.Execute(ctx, e.exec, query, e.newHandler(), e.serverTimeout)
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: %s for area %d (server timeout %s)", e.kind, areaID, e.serverTimeout)
	}

	log.Info("extracted records", zap.Int("records", len(records)))
	return records, nil
}
