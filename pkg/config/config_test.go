package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 1000, cfg.Ceiling)
	assert.Equal(t, 10, cfg.MaxDepth)
	assert.Equal(t, int64(5000), cfg.MinSplitWidth)
	assert.InDelta(t, 0.4, cfg.SplitRatio, 1e-9)
	assert.Equal(t, 20, cfg.SubBatchSize)
	assert.Equal(t, 6, cfg.MaxConcurrent)
	assert.Equal(t, 200, cfg.FastModeAbove)
	assert.Equal(t, 3, cfg.MaxEmptyPages)
	assert.Equal(t, 2*time.Second, cfg.PageRetryDelay)
	assert.Equal(t, "inline", cfg.DispatchMode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SPLIT_CEILING", "500")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SPLIT_LEAF_DELAY", "50ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Ceiling)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, 50*time.Millisecond, cfg.LeafDelay)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_SplitRatio(t *testing.T) {
	cfg := &Config{StorageDriver: "sqlite", DispatchMode: "inline", SourceMode: "http", SplitRatio: 1.2, Ceiling: 1, ChunkSize: 1}
	assert.Error(t, cfg.Validate())
	cfg.SplitRatio = 0.5
	assert.NoError(t, cfg.Validate())
}

func TestProxyList(t *testing.T) {
	cfg := &Config{SourceProxies: " http://a:8080, ,http://b:8080 "}
	assert.Equal(t, []string{"http://a:8080", "http://b:8080"}, cfg.ProxyList())
	assert.Empty(t, (&Config{}).ProxyList())
}
