package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 1000*time.Millisecond, cfg.MaxTTL())
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yaml")
	yamlContent := `
maxEntries: 500
feeds:
  - category: crypto
    name: BTC/USD
    sources:
      - exchange: binance
        symbol: BTCUSDT
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.MaxEntries)
	assert.Equal(t, 1000, cfg.MaxTTLMs) // untouched default
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "BTC/USD", cfg.Feeds[0].Name)
}

func TestValidateRejectsFeedWithNoSources(t *testing.T) {
	cfg := Default()
	cfg.Feeds = []FeedSpec{{Name: "BTC/USD"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveMaxEntries(t *testing.T) {
	cfg := Default()
	cfg.MaxEntries = 0
	assert.Error(t, cfg.Validate())
}
