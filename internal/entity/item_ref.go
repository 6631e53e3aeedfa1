package entity

import (
	"strings"

	"github.com/user/listing-ingest/pkg/utils"
)

// ItemRef is the minimal record of a listing discovered on a search results page.
// An empty ID means the source did not expose one.
type ItemRef struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Price int64  `json:"price,omitempty"`
}

// HasID reports whether the source supplied an identifier.
func (r ItemRef) HasID() bool {
	return strings.TrimSpace(r.ID) != ""
}

// URLHash is the hash of the normalized listing URL, used when IDs are missing.
func (r ItemRef) URLHash() string {
	return utils.HashNormalizedURL(r.URL)
}

// Key returns the storage key for the item: the ID when present, otherwise the
// normalized URL hash.
func (r ItemRef) Key() string {
	if r.HasID() {
		return "id:" + strings.TrimSpace(r.ID)
	}
	return "url:" + r.URLHash()
}
