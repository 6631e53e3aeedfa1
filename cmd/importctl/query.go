package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/listing-ingest/internal/entity"
)

// queryFlags collects a query definition from command flags.
type queryFlags struct {
	keywords string
	category string
	location string
	minPrice int64
	maxPrice int64
	params   []string
}

func (q *queryFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&q.keywords, "keywords", "", "Free-text search terms")
	f.StringVar(&q.category, "category", "", "Category filter")
	f.StringVar(&q.location, "location", "", "Location filter")
	f.Int64Var(&q.minPrice, "min-price", 0, "Lower price bound")
	f.Int64Var(&q.maxPrice, "max-price", 0, "Upper price bound")
	f.StringArrayVar(&q.params, "param", nil, "Extra source parameter as key=value (repeatable)")
}

func (q *queryFlags) build(cmd *cobra.Command) (entity.QueryDefinition, error) {
	def := entity.QueryDefinition{
		Keywords: strings.TrimSpace(q.keywords),
		Category: strings.TrimSpace(q.category),
		Location: strings.TrimSpace(q.location),
	}
	if cmd.Flags().Changed("min-price") {
		v := q.minPrice
		def.MinPrice = &v
	}
	if cmd.Flags().Changed("max-price") {
		v := q.maxPrice
		def.MaxPrice = &v
	}
	for _, p := range q.params {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return def, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		if def.Extra == nil {
			def.Extra = map[string]string{}
		}
		def.Extra[key] = value
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}
