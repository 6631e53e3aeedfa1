package entity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyQuery        = errors.New("query definition has no search criteria")
	ErrInvalidPriceRange = errors.New("query price range is invalid")
)

// QueryDefinition is a saved search. Extra carries source parameters that have
// no named field yet and is passed through to the source verbatim.
type QueryDefinition struct {
	Keywords string            `json:"keywords,omitempty"`
	Category string            `json:"category,omitempty"`
	Location string            `json:"location,omitempty"`
	MinPrice *int64            `json:"min_price,omitempty"`
	MaxPrice *int64            `json:"max_price,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Validate checks that the query can be crawled.
func (q QueryDefinition) Validate() error {
	if strings.TrimSpace(q.Keywords) == "" && strings.TrimSpace(q.Category) == "" &&
		strings.TrimSpace(q.Location) == "" && len(q.Extra) == 0 {
		return ErrEmptyQuery
	}
	if q.MinPrice != nil && *q.MinPrice < 0 {
		return fmt.Errorf("%w: min_price %d is negative", ErrInvalidPriceRange, *q.MinPrice)
	}
	if q.MaxPrice != nil && *q.MaxPrice <= 0 {
		return fmt.Errorf("%w: max_price %d must be positive", ErrInvalidPriceRange, *q.MaxPrice)
	}
	if q.MinPrice != nil && q.MaxPrice != nil && *q.MinPrice >= *q.MaxPrice {
		return fmt.Errorf("%w: min_price %d >= max_price %d", ErrInvalidPriceRange, *q.MinPrice, *q.MaxPrice)
	}
	return nil
}

// InitialRange is the root range for a crawl of this query. Missing bounds
// fall back to 0 and defaultMax.
func (q QueryDefinition) InitialRange(defaultMax int64) PriceRange {
	r := PriceRange{Min: 0, Max: defaultMax}
	if q.MinPrice != nil {
		r.Min = *q.MinPrice
	}
	if q.MaxPrice != nil {
		r.Max = *q.MaxPrice
	}
	if r.Max <= r.Min {
		r.Max = r.Min + defaultMax
	}
	return r
}

// CacheKey is a stable textual form of the query used for cache keys.
func (q QueryDefinition) CacheKey() string {
	var b strings.Builder
	b.WriteString("k=" + strings.ToLower(strings.TrimSpace(q.Keywords)))
	b.WriteString("|c=" + strings.ToLower(strings.TrimSpace(q.Category)))
	b.WriteString("|l=" + strings.ToLower(strings.TrimSpace(q.Location)))
	keys := make([]string, 0, len(q.Extra))
	for k := range q.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + q.Extra[k])
	}
	return b.String()
}

// SearchRequest is one concrete request to the source search endpoint.
type SearchRequest struct {
	Query    QueryDefinition
	Range    PriceRange
	Page     int
	PageSize int
}

// SearchPage is one page of search results plus the reported total.
// The total may itself be capped by the source.
type SearchPage struct {
	Items      []ItemRef
	TotalCount int
}
