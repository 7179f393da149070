package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

type fakePopulator struct {
	called chan int64
	err    error
}

func newFakePopulator() *fakePopulator {
	return &fakePopulator{called: make(chan int64, 4)}
}

func (f *fakePopulator) Populate(_ context.Context, areaID int64) (int, error) {
	f.called <- areaID
	return 5, f.err
}

type fakeRunStore struct {
	runs    []model.ExtractionRun
	filter  store.RunFilter
	pingErr error
	listErr error
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.ExtractionRun, error) {
	f.filter = filter
	return f.runs, f.listErr
}

func (f *fakeRunStore) Ping(context.Context) error { return f.pingErr }

func newTestServer(t *testing.T) (*Server, *fakePopulator, *fakePopulator, *fakeRunStore) {
	t.Helper()
	pcs, streets := newFakePopulator(), newFakePopulator()
	runs := &fakeRunStore{}
	s := New(context.Background(), pcs, streets, runs, Options{})
	return s, pcs, streets, runs
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, ch <-chan int64) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("populate was not called")
		return 0
	}
}

func TestPopulatePostalcodes_Accepted(t *testing.T) {
	s, pcs, streets, _ := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodPost, "/postalcodes/populate/3600062428")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "postalcodes", body["kind"])

	assert.Equal(t, int64(3600062428), waitFor(t, pcs.called))
	s.Wait()
	assert.Empty(t, streets.called)
}

func TestPopulateStreets_FailureIsLoggedOnly(t *testing.T) {
	s, _, streets, _ := newTestServer(t)
	streets.err = errors.New("overpass: empty result after 3m0s")

	rec := do(t, s.Handler(), http.MethodPost, "/streets/populate/42")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(42), waitFor(t, streets.called))
	s.Wait()
}

func TestPopulate_BadAreaID(t *testing.T) {
	s, pcs, _, _ := newTestServer(t)

	for _, target := range []string{"/postalcodes/populate/abc", "/postalcodes/populate/-1"} {
		rec := do(t, s.Handler(), http.MethodPost, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Empty(t, pcs.called)
}

func TestPopulate_WrongMethod(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/postalcodes/populate/1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRuns_Filter(t *testing.T) {
	s, _, _, runs := newTestServer(t)
	runs.runs = []model.ExtractionRun{{ID: 3, Kind: model.KindStreets, AreaID: 42, Status: model.RunStatusComplete}}

	rec := do(t, s.Handler(), http.MethodGet, "/runs?kind=streets&area_id=42&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []model.ExtractionRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, store.RunFilter{Kind: model.KindStreets, AreaID: 42, Limit: 5}, runs.filter)
}

func TestRuns_EmptyIsArray(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRuns_BadParams(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	for _, target := range []string{"/runs?kind=rivers", "/runs?area_id=x", "/runs?limit=0"} {
		rec := do(t, s.Handler(), http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRuns_StoreError(t *testing.T) {
	s, _, _, runs := newTestServer(t)
	runs.listErr = errors.New("postgres: list runs")
	rec := do(t, s.Handler(), http.MethodGet, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _, _, runs := newTestServer(t)

	rec := do(t, s.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	runs.pingErr = errors.New("sqlite: ping")
	rec = do(t, s.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	s := New(context.Background(), newFakePopulator(), newFakePopulator(), &fakeRunStore{},
		Options{AllowedOrigins: []string{"https://ops.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
