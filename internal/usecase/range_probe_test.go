package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
)

type memProbeCache struct {
	counts map[string]int
	ttls   []time.Duration
	getErr error
}

func (c *memProbeCache) key(q entity.QueryDefinition, r entity.PriceRange) string {
	return q.Keywords + "|" + r.String()
}

func (c *memProbeCache) Get(_ context.Context, q entity.QueryDefinition, r entity.PriceRange) (int, bool, error) {
	if c.getErr != nil {
		return 0, false, c.getErr
	}
	n, ok := c.counts[c.key(q, r)]
	return n, ok, nil
}

func (c *memProbeCache) Set(_ context.Context, q entity.QueryDefinition, r entity.PriceRange, count int, ttl time.Duration) error {
	c.counts[c.key(q, r)] = count
	c.ttls = append(c.ttls, ttl)
	return nil
}

func TestRangeProbe_CachesCounts(t *testing.T) {
	src := newFakeSearchSource(uniformItems(30, 10_000), 0)
	cache := &memProbeCache{counts: map[string]int{}}
	probe := usecase.NewRangeProbe(src, cache, time.Hour, testLogger)
	q := entity.QueryDefinition{Keywords: "lamp"}
	r := entity.PriceRange{Min: 0, Max: 10_000}

	n, err := probe.Probe(context.Background(), q, r)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	n, err = probe.Probe(context.Background(), q, r)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.EqualValues(t, 1, src.countCalls.Load(), "second probe served from cache")
	assert.Equal(t, []time.Duration{time.Hour}, cache.ttls)
}

func TestRangeProbe_CacheErrorFallsBackToSource(t *testing.T) {
	src := newFakeSearchSource(uniformItems(12, 10_000), 0)
	cache := &memProbeCache{counts: map[string]int{}, getErr: errors.New("connection refused")}
	probe := usecase.NewRangeProbe(src, cache, time.Hour, testLogger)

	n, err := probe.Probe(context.Background(), entity.QueryDefinition{Keywords: "lamp"}, entity.PriceRange{Max: 10_000})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.EqualValues(t, 1, src.countCalls.Load())
}

func TestRangeProbe_SourceErrorIsWrapped(t *testing.T) {
	src := newFakeSearchSource(nil, 0)
	src.failCount = repository.ErrTransient
	cache := &memProbeCache{counts: map[string]int{}}
	probe := usecase.NewRangeProbe(src, cache, time.Hour, testLogger)

	_, err := probe.Probe(context.Background(), entity.QueryDefinition{Keywords: "lamp"}, entity.PriceRange{Max: 10_000})
	require.ErrorIs(t, err, repository.ErrTransient)
	assert.Empty(t, cache.counts, "failures are not cached")
}
