package repository

import (
	"context"

	"github.com/user/listing-ingest/internal/entity"
)

// SearchSourceRepository defines the contract for the external search endpoint.
type SearchSourceRepository interface {
	// Count issues a lightweight request and returns the reported total for the
	// query and range. The total may be capped by the source.
	Count(ctx context.Context, req entity.SearchRequest) (int, error)
	// Search fetches one page of results. Paging past the end returns an empty page.
	Search(ctx context.Context, req entity.SearchRequest) (*entity.SearchPage, error)
}

// DetailSourceRepository defines the contract for the external detail endpoint.
type DetailSourceRepository interface {
	// FetchDetail returns the full detail for one item.
	FetchDetail(ctx context.Context, ref entity.ItemRef) (*entity.ListingDetail, error)
	// FetchHistory follows the optional history link of a detail record.
	FetchHistory(ctx context.Context, historyURL string) ([]entity.SaleRecord, error)
}
