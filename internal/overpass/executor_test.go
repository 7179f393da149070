package overpass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier replays rows and advances a fake clock by elapsed.
type fakeQuerier struct {
	rows    [][]string
	err     error
	elapsed time.Duration
	clock   *fakeClock
	query   string
}

func (f *fakeQuerier) QueryTable(_ context.Context, query string, _ time.Duration, handle func([]string) error) error {
	f.query = query
	f.clock.advance(f.elapsed)
	if f.err != nil {
		return f.err
	}
	for _, r := range f.rows {
		if err := handle(r); err != nil {
			return err
		}
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestExecutor(q *fakeQuerier, tolerance time.Duration) *Executor {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q.clock = clock
	e := NewExecutor(q, tolerance)
	e.now = clock.now
	return e
}

func codeHandler() *ListHandler[string] {
	return NewListHandler([]string{"postal_code"}, func(row []string) (string, error) {
		if row[0] == "" {
			return "", errors.New("empty code")
		}
		return row[0], nil
	})
}

func TestExecute_ReturnsRecords(t *testing.T) {
	q := &fakeQuerier{rows: [][]string{{"postal_code"}, {"96450"}, {"96465"}}, elapsed: time.Second}
	e := newTestExecutor(q, 0)

	got, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"96450", "96465"}, got)
	assert.Equal(t, "query", q.query)
}

func TestExecute_EmptyWithinBudgetIsGenuine(t *testing.T) {
	q := &fakeQuerier{rows: [][]string{{"postal_code"}}, elapsed: time.Second}
	e := newTestExecutor(q, 0)

	got, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExecute_EmptyAfterBudgetIsTimeout(t *testing.T) {
	q := &fakeQuerier{elapsed: 6 * time.Second}
	e := newTestExecutor(q, 0)

	_, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	require.Error(t, err)

	var te *TimeoutExceededError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5*time.Second, te.ServerTimeout)
	assert.Equal(t, 6*time.Second, te.Duration)
	assert.Contains(t, err.Error(), "5s")
}

func TestExecute_EmptyExactlyAtBudgetIsTimeout(t *testing.T) {
	q := &fakeQuerier{elapsed: 5 * time.Second}
	e := newTestExecutor(q, 0)

	_, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	var te *TimeoutExceededError
	assert.ErrorAs(t, err, &te)
}

func TestExecute_ToleranceWidensTimeoutWindow(t *testing.T) {
	q := &fakeQuerier{elapsed: 4500 * time.Millisecond}
	e := newTestExecutor(q, time.Second)

	_, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	var te *TimeoutExceededError
	assert.ErrorAs(t, err, &te)
}

func TestExecute_NonEmptyAfterBudgetIsNotTimeout(t *testing.T) {
	q := &fakeQuerier{rows: [][]string{{"postal_code"}, {"96450"}}, elapsed: 10 * time.Second}
	e := newTestExecutor(q, 0)

	got, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestExecute_DecodeFailurePropagates(t *testing.T) {
	q := &fakeQuerier{rows: [][]string{{"postal_code"}, {"96450"}, {""}}, elapsed: time.Second}
	e := newTestExecutor(q, 0)

	_, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Line)
}

func TestExecute_QuerierErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	q := &fakeQuerier{err: boom, elapsed: 10 * time.Second}
	e := newTestExecutor(q, 0)

	_, err := Execute(context.Background(), e, "query", codeHandler(), 5*time.Second)
	assert.ErrorIs(t, err, boom)
	var te *TimeoutExceededError
	assert.False(t, errors.As(err, &te))
}
