package httpsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestClient_SearchAndCount(t *testing.T) {
	var lastQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.Query())
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items := []map[string]any{
			{"id": 101, "url": "/listings/101", "title": " Sofa ", "price": 1200},
			{"id": "102", "url": "https://cdn.example.com/102", "price": "900"},
			{"title": "no id or url"},
		}
		if limit < len(items) {
			items = items[:limit]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "total_count": 1000})
	})
	c := newTestClient(t, mux)

	minPrice := int64(100)
	req := entity.SearchRequest{
		Query:    entity.QueryDefinition{Keywords: "sofa", Category: "furniture", MinPrice: &minPrice, Extra: map[string]string{"q": "ignored", "sort": "new"}},
		Range:    entity.PriceRange{Min: 0, Max: 5000},
		Page:     2,
		PageSize: 50,
	}
	page, err := c.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1000, page.TotalCount)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "101", page.Items[0].ID)
	assert.Equal(t, c.baseURL+"/listings/101", page.Items[0].URL)
	assert.Equal(t, "Sofa", page.Items[0].Title)
	assert.Equal(t, int64(1200), page.Items[0].Price)
	assert.Equal(t, "https://cdn.example.com/102", page.Items[1].URL)

	q := lastQuery.Load().(url.Values)
	assert.Equal(t, []string{"sofa"}, q["q"])
	assert.Equal(t, []string{"furniture"}, q["category"])
	assert.Equal(t, []string{"new"}, q["sort"])
	assert.Equal(t, []string{"0"}, q["min_price"], "the crawled range decides the price filter")
	assert.Equal(t, []string{"5000"}, q["max_price"])
	assert.Equal(t, []string{"2"}, q["page"])

	n, err := c.Count(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	q = lastQuery.Load().(url.Values)
	assert.Equal(t, []string{"1"}, q["limit"])
	assert.Equal(t, []string{"0"}, q["page"])
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"rate limited", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }, repository.ErrTransient},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, repository.ErrTransient},
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, repository.ErrNotFound},
		{"bad request", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }, repository.ErrParse},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"items": [`)) }, repository.ErrParse},
		{"missing total", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"items": []}`)) }, repository.ErrParse},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(3 * time.Second):
			case <-r.Context().Done():
			}
		}, repository.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			c.client.Timeout = 200 * time.Millisecond
			_, err := c.Search(context.Background(), entity.SearchRequest{Range: entity.PriceRange{Max: 10}})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_FetchDetailJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/listings/L1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"listing":{"id":"L1","title":"Boat","price":25000.0,"attributes":{"length":"7m"},"history_url":"/history/L1"}}`))
	})
	mux.HandleFunc("/history/L1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<table><tr data-sale-date="2022-05-01" data-sale-price="21000"></tr></table>`))
	})
	c := newTestClient(t, mux)

	d, err := c.FetchDetail(context.Background(), entity.ItemRef{ID: "L1", URL: "https://listings.example.com/L1"})
	require.NoError(t, err)
	assert.Equal(t, "L1", d.ItemID)
	assert.Equal(t, "Boat", d.Title)
	assert.Equal(t, int64(25000), d.Price)
	assert.Equal(t, "https://listings.example.com/L1", d.URL)
	assert.Equal(t, "7m", d.Attributes["length"])
	assert.Equal(t, c.baseURL+"/history/L1", d.HistoryURL)

	hist, err := c.FetchHistory(context.Background(), d.HistoryURL)
	require.NoError(t, err)
	assert.Equal(t, []entity.SaleRecord{{Date: "2022-05-01", Price: 21000}}, hist)
}

func TestClient_FetchDetailHTMLWithoutID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/item/chair", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<article data-price="350"><h1>Chair</h1></article>`))
	})
	mux.HandleFunc("/history.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"date":"2020-01-01","price":300}]`))
	})
	c := newTestClient(t, mux)

	d, err := c.FetchDetail(context.Background(), entity.ItemRef{URL: c.baseURL + "/item/chair"})
	require.NoError(t, err)
	assert.Empty(t, d.ItemID)
	assert.Equal(t, "Chair", d.Title)
	assert.Equal(t, int64(350), d.Price)

	hist, err := c.FetchHistory(context.Background(), "/history.json")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestClient_RateLimited(t *testing.T) {
	var calls atomic.Int64
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"items": [], "total_count": 0}`))
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, RPS: 20, Burst: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := c.Count(context.Background(), entity.SearchRequest{Range: entity.PriceRange{Max: 10}})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.EqualValues(t, 5, calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Count(ctx, entity.SearchRequest{Range: entity.PriceRange{Max: 10}})
	assert.Error(t, err)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestClient_RotatesProxies(t *testing.T) {
	var hosts [2]atomic.Value
	var hits [2]atomic.Int64
	proxies := make([]string, 2)
	for i := range proxies {
		i := i
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i].Add(1)
			hosts[i].Store(r.URL.Host)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "total_count": 7})
		}))
		t.Cleanup(srv.Close)
		proxies[i] = srv.URL
	}

	c, err := NewClient(Options{BaseURL: "http://source.test", Proxies: append(proxies, " ")}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		n, err := c.Count(context.Background(), entity.SearchRequest{Range: entity.PriceRange{Max: 100}})
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	}
	assert.EqualValues(t, 2, hits[0].Load())
	assert.EqualValues(t, 2, hits[1].Load())
	assert.Equal(t, "source.test", hosts[0].Load())

	_, err = NewClient(Options{BaseURL: "http://source.test", Proxies: []string{"not a proxy"}}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
