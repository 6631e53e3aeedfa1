// Package httpsource talks to the listing source over HTTP.
//
// Expected endpoints:
//
//	GET {base}/api/search?q=&category=&location=&min_price=&max_price=&page=&limit=
//	  -> {"items":[{"id","url","title","price"}], "total_count": n}
//	GET {base}/api/listings/{id}
//	  -> {"id","url","title","price","description","attributes","history_url"}
//
// History links point at HTML pages (parsed with htmlextract) or JSON arrays
// of {"date","price"}.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/user/listing-ingest/internal/adapter/htmlextract"
	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

const maxBodyBytes = 8 << 20

// Options configures a Client.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// RPS and Burst bound the request rate shared by every call of the client.
	RPS   float64
	Burst int
	// Proxies are used round-robin, one per request. Empty means direct.
	Proxies []string
}

// Client implements repository.SearchSourceRepository and
// repository.DetailSourceRepository against a JSON API.
type Client struct {
	baseURL   string
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient creates a source client.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "listing-ingest/1.0"
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	rotator, err := newProxyRotator(opts.Proxies)
	if err != nil {
		return nil, err
	}
	if rotator != nil {
		transport.Proxy = rotator.Proxy
		logger.Info("source requests go through proxies", zap.Int("proxies", len(rotator.proxies)))
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: ua,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
	}, nil
}

type searchItem struct {
	ID    json.RawMessage `json:"id"`
	URL   string          `json:"url"`
	Title string          `json:"title"`
	Price json.Number     `json:"price"`
}

type searchResponse struct {
	Items      []searchItem `json:"items"`
	TotalCount *int         `json:"total_count"`
}

// Count requests a single result and returns the reported total.
func (c *Client) Count(ctx context.Context, req entity.SearchRequest) (int, error) {
	req.Page = 0
	req.PageSize = 1
	resp, err := c.search(ctx, req)
	if err != nil {
		return 0, err
	}
	return *resp.TotalCount, nil
}

// Search fetches one page of results.
func (c *Client) Search(ctx context.Context, req entity.SearchRequest) (*entity.SearchPage, error) {
	resp, err := c.search(ctx, req)
	if err != nil {
		return nil, err
	}

	page := &entity.SearchPage{TotalCount: *resp.TotalCount, Items: make([]entity.ItemRef, 0, len(resp.Items))}
	for _, it := range resp.Items {
		ref := entity.ItemRef{
			ID:    rawID(it.ID),
			URL:   c.absolute(it.URL),
			Title: strings.TrimSpace(it.Title),
		}
		if it.Price != "" {
			if f, err := it.Price.Float64(); err == nil {
				ref.Price = int64(f)
			}
		}
		if ref.URL == "" && ref.ID == "" {
			c.logger.Debug("Skipping search result without id or url", zap.String("range", req.Range.String()))
			continue
		}
		if ref.URL == "" {
			ref.URL = c.baseURL + "/listings/" + url.PathEscape(ref.ID)
		}
		page.Items = append(page.Items, ref)
	}
	return page, nil
}

func (c *Client) search(ctx context.Context, req entity.SearchRequest) (*searchResponse, error) {
	u := c.baseURL + "/api/search?" + searchParams(req).Encode()
	body, _, err := c.doGET(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: search payload: %v", repository.ErrParse, err)
	}
	if resp.TotalCount == nil {
		return nil, fmt.Errorf("%w: search payload has no total_count", repository.ErrParse)
	}
	return &resp, nil
}

func searchParams(req entity.SearchRequest) url.Values {
	q := url.Values{}
	def := req.Query
	// extra parameters first so named fields win on collision
	keys := make([]string, 0, len(def.Extra))
	for k := range def.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, def.Extra[k])
	}
	if kw := strings.TrimSpace(def.Keywords); kw != "" {
		q.Set("q", kw)
	}
	if def.Category != "" {
		q.Set("category", def.Category)
	}
	if def.Location != "" {
		q.Set("location", def.Location)
	}
	q.Set("min_price", strconv.FormatInt(req.Range.Min, 10))
	q.Set("max_price", strconv.FormatInt(req.Range.Max, 10))
	q.Set("page", strconv.Itoa(req.Page))
	size := req.PageSize
	if size <= 0 {
		size = 50
	}
	q.Set("limit", strconv.Itoa(size))
	return q
}

// FetchDetail retrieves the detail record of one item.
func (c *Client) FetchDetail(ctx context.Context, ref entity.ItemRef) (*entity.ListingDetail, error) {
	target := ref.URL
	if ref.HasID() {
		target = c.baseURL + "/api/listings/" + url.PathEscape(strings.TrimSpace(ref.ID))
	}
	if target == "" {
		return nil, fmt.Errorf("%w: item has neither id nor url", repository.ErrParse)
	}

	body, contentType, err := c.doGET(ctx, target, "application/json, text/html;q=0.8")
	if err != nil {
		return nil, err
	}

	var detail *entity.ListingDetail
	if isJSON(contentType, body) {
		detail, err = parseDetailJSON(body)
	} else {
		detail, err = htmlextract.ExtractDetail(ref.URL, bytes.NewReader(body))
	}
	if err != nil {
		return nil, err
	}
	if detail.ItemID == "" {
		detail.ItemID = strings.TrimSpace(ref.ID)
	}
	if detail.URL == "" {
		detail.URL = ref.URL
	}
	detail.HistoryURL = c.absolute(detail.HistoryURL)
	return detail, nil
}

// FetchHistory follows a history link. HTML pages and JSON arrays are accepted.
func (c *Client) FetchHistory(ctx context.Context, historyURL string) ([]entity.SaleRecord, error) {
	body, contentType, err := c.doGET(ctx, c.absolute(historyURL), "text/html, application/json;q=0.9")
	if err != nil {
		return nil, err
	}
	if isJSON(contentType, body) {
		var records []entity.SaleRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("%w: history payload: %v", repository.ErrParse, err)
		}
		return records, nil
	}
	return htmlextract.ExtractHistory(bytes.NewReader(body))
}

type detailPayload struct {
	ID          json.RawMessage   `json:"id"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Price       json.Number       `json:"price"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
	HistoryURL  string            `json:"history_url"`
}

func parseDetailJSON(body []byte) (*entity.ListingDetail, error) {
	// both {"listing":{...}} and a bare object are accepted
	var wrapped struct {
		Listing *detailPayload `json:"listing"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wrapped); err != nil {
		return nil, fmt.Errorf("%w: detail payload: %v", repository.ErrParse, err)
	}
	p := wrapped.Listing
	if p == nil {
		p = &detailPayload{}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("%w: detail payload: %v", repository.ErrParse, err)
		}
	}

	d := &entity.ListingDetail{
		ItemID:      rawID(p.ID),
		URL:         p.URL,
		Title:       strings.TrimSpace(p.Title),
		Description: p.Description,
		Attributes:  p.Attributes,
		HistoryURL:  strings.TrimSpace(p.HistoryURL),
	}
	if p.Price != "" {
		f, err := p.Price.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", repository.ErrParse, p.Price)
		}
		d.Price = int64(f)
	}
	if d.ItemID == "" && d.Title == "" {
		return nil, fmt.Errorf("%w: detail payload has neither id nor title", repository.ErrParse)
	}
	return d, nil
}

// doGET performs a rate limited GET and classifies failures into the source
// error taxonomy. It returns the body and the response content type.
func (c *Client) doGET(ctx context.Context, target, accept string) ([]byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", repository.ErrParse, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: GET %s: %v", repository.ErrTransient, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", repository.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("%w: GET %s", repository.ErrNotFound, target)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, "", fmt.Errorf("%w: GET %s: status %d", repository.ErrTransient, target, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: GET %s: status %d", repository.ErrTransient, target, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, "", fmt.Errorf("%w: GET %s: status %d", repository.ErrParse, target, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) absolute(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return c.baseURL + "/" + strings.TrimLeft(u, "/")
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func isJSON(contentType string, body []byte) bool {
	if strings.Contains(contentType, "json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
