package entity

import "fmt"

// PriceRange is an inclusive numeric filter applied to a search.
type PriceRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (r PriceRange) Width() int64 {
	return r.Max - r.Min
}

func (r PriceRange) Valid() bool {
	return r.Min < r.Max
}

func (r PriceRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// RangeNode is a price range at a given depth of the split tree.
type RangeNode struct {
	PriceRange
	Depth int
}

// Leaf reasons recorded in SplitStats.
const (
	LeafUnderCeiling = "under_ceiling"
	LeafMaxDepth     = "max_depth"
	LeafTooNarrow    = "too_narrow"
)

// LeafRecord describes one range that was scraped directly.
type LeafRecord struct {
	Range         PriceRange `json:"range"`
	Depth         int        `json:"depth"`
	ReportedCount int        `json:"reported_count"`
	ItemsFound    int        `json:"items_found"`
	UniqueAdded   int        `json:"unique_added"`
	ProbeFailed   bool       `json:"probe_failed,omitempty"`
	// Forced is set when the range was still over the ceiling but could not be split.
	Forced bool   `json:"forced,omitempty"`
	Reason string `json:"reason"`
}

// SplitStats is diagnostic output of a crawl; it never affects the result.
type SplitStats struct {
	TotalSplits     int          `json:"total_splits"`
	MaxDepthReached int          `json:"max_depth_reached"`
	Leaves          []LeafRecord `json:"leaves"`
}

// Summary reduces the stats to what is persisted on an import job.
func (s SplitStats) Summary(uniqueItems int) SplitSummary {
	sum := SplitSummary{
		TotalSplits:     s.TotalSplits,
		MaxDepthReached: s.MaxDepthReached,
		Leaves:          len(s.Leaves),
		UniqueItems:     uniqueItems,
	}
	for _, l := range s.Leaves {
		if l.Forced {
			sum.ForcedLeaves++
		}
		if l.ProbeFailed {
			sum.FailedProbes++
		}
	}
	return sum
}

// SplitSummary is the persisted digest of SplitStats.
type SplitSummary struct {
	TotalSplits     int `json:"total_splits"`
	MaxDepthReached int `json:"max_depth_reached"`
	Leaves          int `json:"leaves"`
	ForcedLeaves    int `json:"forced_leaves"`
	FailedProbes    int `json:"failed_probes"`
	UniqueItems     int `json:"unique_items"`
}
