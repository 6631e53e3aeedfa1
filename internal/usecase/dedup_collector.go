package usecase

import (
	"strings"

	"github.com/user/listing-ingest/internal/entity"
)

// DedupCollector accumulates items across every range of one crawl and keeps
// at most one item per identity. It is not safe for concurrent use: a crawl
// owns its collector.
type DedupCollector struct {
	byID map[string]struct{}
	// URL hashes of items that arrived without an ID. An ID-bearing item with
	// one of these URLs is the same item under the identity rule.
	idlessURLs map[string]struct{}
	allURLs    map[string]struct{}
	items      []entity.ItemRef
}

// NewDedupCollector creates an empty collector.
func NewDedupCollector() *DedupCollector {
	return &DedupCollector{
		byID:       make(map[string]struct{}),
		idlessURLs: make(map[string]struct{}),
		allURLs:    make(map[string]struct{}),
	}
}

// Add records the item and reports whether it was new.
func (c *DedupCollector) Add(item entity.ItemRef) bool {
	if !item.HasID() && strings.TrimSpace(item.URL) == "" {
		return false
	}
	urlHash := item.URLHash()

	if item.HasID() {
		id := strings.TrimSpace(item.ID)
		if _, ok := c.byID[id]; ok {
			return false
		}
		if _, ok := c.idlessURLs[urlHash]; ok {
			return false
		}
		c.byID[id] = struct{}{}
		c.allURLs[urlHash] = struct{}{}
		c.items = append(c.items, item)
		return true
	}

	if _, ok := c.allURLs[urlHash]; ok {
		return false
	}
	c.idlessURLs[urlHash] = struct{}{}
	c.allURLs[urlHash] = struct{}{}
	c.items = append(c.items, item)
	return true
}

// Len returns the number of unique items collected.
func (c *DedupCollector) Len() int {
	return len(c.items)
}

// Items returns the unique items in discovery order.
func (c *DedupCollector) Items() []entity.ItemRef {
	out := make([]entity.ItemRef, len(c.items))
	copy(out, c.items)
	return out
}
