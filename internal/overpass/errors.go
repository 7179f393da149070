package overpass

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrEmptyResultSet is reported by a ResultHandler when the stream ended
// without a single data row.
var ErrEmptyResultSet = eris.New("overpass: empty result set")

// TimeoutExceededError means the query came back empty after a round trip at
// least as long as the server-side budget, so the server most likely aborted
// it. The classification is a timing heuristic, not a proof.
type TimeoutExceededError struct {
	ServerTimeout time.Duration
	Duration      time.Duration
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("overpass: empty result after %s, server timeout of %s was most likely exceeded",
		e.Duration.Round(time.Millisecond), e.ServerTimeout)
}

// DecodeError is a row the handler could not turn into a record. It fails the
// whole query.
type DecodeError struct {
	Line int
	Row  []string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("overpass: decode row %d [%s]: %v", e.Line, strings.Join(e.Row, "|"), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
