package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/adapter/gormstore"
	"github.com/user/listing-ingest/internal/delivery/http/handler"
	"github.com/user/listing-ingest/internal/delivery/http/router"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/usecase"
	"github.com/user/listing-ingest/pkg/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type stubCrawler struct {
	items []entity.ItemRef
}

func (c *stubCrawler) Crawl(_ context.Context, _ entity.QueryDefinition, _ entity.PriceRange) ([]entity.ItemRef, *entity.SplitStats, error) {
	return c.items, &entity.SplitStats{Leaves: []entity.LeafRecord{{Reason: entity.LeafUnderCeiling}}}, nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, []entity.ChunkTask) error { return nil }

type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func newServer(t *testing.T, health map[string]handler.Pinger) *httptest.Server {
	t.Helper()
	db, err := gormstore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := zap.NewNop()
	jobs := gormstore.NewImportJobRepository(db)
	cfg := usecase.DefaultOrchestratorConfig()
	schedules := usecase.NewScheduleManager(gormstore.NewScheduleRepository(db), jobs, cfg.ChunkSize, nil, logger)
	crawler := &stubCrawler{items: []entity.ItemRef{
		{ID: "1", URL: "https://listings.example.com/1"},
		{ID: "2", URL: "https://listings.example.com/2"},
		{ID: "3", URL: "https://listings.example.com/3"},
	}}
	orch := usecase.NewImportOrchestrator(cfg, jobs, crawler, nopDispatcher{}, schedules, logger)

	srv := httptest.NewServer(router.New(handler.NewHandler(orch, schedules, health, logger), logger))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestImportLifecycleEndpoints(t *testing.T) {
	srv := newServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/import", map[string]any{"query_definition": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "no search criteria")

	resp, body = do(t, http.MethodPost, srv.URL+"/import", map[string]any{
		"query_definition": map[string]any{"keywords": "sofa"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/import/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 0, body["percent"])

	resp, body = do(t, http.MethodPost, srv.URL+"/import/"+jobID+"/advance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["continue_polling"])
	progress, _ := body["progress"].(map[string]any)
	require.NotNil(t, progress)
	assert.Equal(t, "running", progress["status"])
	assert.EqualValues(t, 1, progress["total"])
	assert.EqualValues(t, 3, progress["total_items"])

	resp, body = do(t, http.MethodPost, srv.URL+"/import/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, body = do(t, http.MethodPost, srv.URL+"/import/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
	assert.NotNil(t, body["progress"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/import/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/import?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/import?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, _ := body["jobs"].([]any)
	assert.Len(t, jobs, 1)
}

func TestScheduleEndpoints(t *testing.T) {
	srv := newServer(t, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/schedules", map[string]any{
		"name":             "sofas",
		"query_definition": map[string]any{"keywords": "sofa"},
		"cron_spec":        "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/schedules", map[string]any{
		"name":             "sofas",
		"query_definition": map[string]any{"keywords": "sofa"},
		"cron_spec":        "0 3 * * *",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	scheduleID, _ := body["id"].(string)
	require.NotEmpty(t, scheduleID)
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["schedules"], 1)

	resp, body = do(t, http.MethodPost, srv.URL+"/schedules/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["started"])
	assert.NotEmpty(t, body["job_id"])

	resp, body = do(t, http.MethodPost, srv.URL+"/schedules/next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["started"], "one schedule imports at a time")

	resp, body = do(t, http.MethodGet, srv.URL+"/schedules/"+scheduleID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "importing", body["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules/"+scheduleID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/schedules/"+scheduleID+"/rearm", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/schedules/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, map[string]handler.Pinger{
		"database": pinger(func(context.Context) error { return nil }),
	})
	resp, body := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["database"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newServer(t, map[string]handler.Pinger{
		"redis": pinger(func(context.Context) error { return errors.New("connection refused") }),
	})
	resp, body = do(t, http.MethodGet, broken.URL+"/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["redis"])
}
