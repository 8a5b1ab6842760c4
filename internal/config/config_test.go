package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1024, cfg.PersistChanSize)
	assert.Equal(t, 10*time.Millisecond, cfg.FlushTimeout())
	assert.Equal(t, int64(100_000), cfg.SnapshotInterval)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr = ":9999"
persist_batch_size = 200
snapshot_interval = 500
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 200, cfg.PersistBatchSize)
	assert.Equal(t, int64(500), cfg.SnapshotInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`http_addr = ":9999"`), 0o644))

	t.Setenv("LEND_HTTP_ADDR", ":7777")
	t.Setenv("LEND_PERSIST_CHAN_SIZE", "64")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.HTTPAddr)
	assert.Equal(t, 64, cfg.PersistChanSize)
}

func TestMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestCollaboratorTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[price_feeds.weth-usdc]
initial_price = 2000000000000000000
max_age_seconds = 300

[rate_models.linear-default]
type = "linear"
base = 317097919
slope = 1268391679
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Contains(t, cfg.PriceFeeds, "weth-usdc")
	assert.Equal(t, int64(300), cfg.PriceFeeds["weth-usdc"].MaxAgeSeconds)
	require.Contains(t, cfg.RateModels, "linear-default")
	assert.Equal(t, "linear", cfg.RateModels["linear-default"].Type)
}

func TestUnknownRateModelTypeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[rate_models.bad]
type = "quadratic"
`), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("LEND_PERSIST_BATCH_SIZE", "-5")

	_, err := config.Load("")
	require.Error(t, err)
}
