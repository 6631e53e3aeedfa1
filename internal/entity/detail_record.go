package entity

import "time"

// SaleRecord is one row of a listing's historical sale data.
type SaleRecord struct {
	Date  string `json:"date"`
	Price int64  `json:"price"`
}

// ListingDetail is the full record returned by the source detail endpoint.
// HistoryURL, when set, points at the optional enrichment resource.
type ListingDetail struct {
	ItemID      string            `json:"id"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Price       int64             `json:"price"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	HistoryURL  string            `json:"history_url,omitempty"`
}

// DetailRecord is the persisted detail of one item.
type DetailRecord struct {
	ItemKey     string            `json:"item_key"`
	ItemID      string            `json:"item_id,omitempty"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Price       int64             `json:"price"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	History     []SaleRecord      `json:"history,omitempty"`
	FastMode    bool              `json:"fast_mode"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// NewDetailRecord builds the record to persist for ref from its fetched detail.
func NewDetailRecord(ref ItemRef, d ListingDetail, history []SaleRecord, fastMode bool, now time.Time) DetailRecord {
	url := d.URL
	if url == "" {
		url = ref.URL
	}
	itemID := d.ItemID
	if itemID == "" {
		itemID = ref.ID
	}
	title := d.Title
	if title == "" {
		title = ref.Title
	}
	price := d.Price
	if price == 0 {
		price = ref.Price
	}
	return DetailRecord{
		ItemKey:     ref.Key(),
		ItemID:      itemID,
		URL:         url,
		Title:       title,
		Price:       price,
		Description: d.Description,
		Attributes:  d.Attributes,
		History:     history,
		FastMode:    fastMode,
		FetchedAt:   now,
	}
}
