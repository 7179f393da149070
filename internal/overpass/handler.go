package overpass

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ResultHandler consumes the rows of one query result and exposes the decoded
// records once the stream has ended. Results returns ErrEmptyResultSet when no
// data row was accumulated.
type ResultHandler[T any] interface {
	Handle(row []string) error
	Results() ([]T, error)
}

// DecodeFunc turns one data row into a record.
type DecodeFunc[T any] func(row []string) (T, error)

// ListHandler is a ResultHandler for results with a header row. The header
// must match the expected columns exactly; each following row is decoded with
// the given DecodeFunc.
type ListHandler[T any] struct {
	columns    []string
	decode     DecodeFunc[T]
	headerSeen bool
	line       int
	results    []T
}

// NewListHandler creates a ListHandler expecting the given header columns.
func NewListHandler[T any](columns []string, decode DecodeFunc[T]) *ListHandler[T] {
	return &ListHandler[T]{columns: columns, decode: decode}
}

// Handle decodes one row.
func (h *ListHandler[T]) Handle(row []string) error {
	h.line++

	if !h.headerSeen {
		if !equalColumns(row, h.columns) {
			return &DecodeError{
				Line: h.line,
				Row:  row,
				Err:  eris.Errorf("unexpected header, want %s", strings.Join(h.columns, "|")),
			}
		}
		h.headerSeen = true
		return nil
	}

	if len(row) != len(h.columns) {
		return &DecodeError{
			Line: h.line,
			Row:  row,
			Err:  eris.Errorf("got %d columns, want %d", len(row), len(h.columns)),
		}
	}

	rec, err := h.decode(row)
	if err != nil {
		return &DecodeError{Line: h.line, Row: row, Err: err}
	}
	h.results = append(h.results, rec)
	return nil
}

// Results returns the decoded records.
func (h *ListHandler[T]) Results() ([]T, error) {
	if len(h.results) == 0 {
		return nil, ErrEmptyResultSet
	}
	return h.results, nil
}

func equalColumns(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if strings.TrimSpace(got[i]) != want[i] {
			return false
		}
	}
	return true
}
