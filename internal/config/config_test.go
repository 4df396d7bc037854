package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.Worker.ParallelJobLimit)
	assert.Equal(t, 50*time.Second, cfg.Worker.ChunkTimeBudget)
	assert.Equal(t, 2*time.Second, cfg.Worker.RoundLatency)
	assert.Equal(t, 5*time.Second, cfg.Worker.CommitReserve)
	assert.Equal(t, 200, cfg.Fetch.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RoundDelay)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "resolver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = "9000"
db_path = "/var/lib/resolver.db"

[worker]
parallel_job_limit = 8
claim_lease = "5m"
round_latency = "8s"

[fetch]
batch_size = 100
round_delay = "1s"

[providers]
neynar_api_key = "from-file"

[[api_keys]]
id = "acme"
secret = "s3cret"
tier = "pro"
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("CONCURRENT_BATCHES", "not-a-number")
	t.Setenv("COMMIT_RESERVE", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port, "env overrides file")
	assert.Equal(t, "/var/lib/resolver.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.Worker.ParallelJobLimit)
	assert.Equal(t, 5*time.Minute, cfg.Worker.ClaimLease)
	assert.Equal(t, 8*time.Second, cfg.Worker.RoundLatency)
	assert.Equal(t, 3*time.Second, cfg.Worker.CommitReserve)
	assert.Equal(t, 50, cfg.Fetch.BatchSize)
	assert.Equal(t, 3, cfg.Fetch.ConcurrentBatches, "unparsable env keeps the previous value")
	assert.Equal(t, time.Second, cfg.Fetch.RoundDelay)
	assert.Equal(t, "from-file", cfg.Provider.NeynarAPIKey)

	require.Len(t, cfg.APIKeys, 1)
	assert.Equal(t, ratelimit.APIKey{ID: "acme", Secret: "s3cret", Tier: ratelimit.TierPro}, cfg.APIKeys[0])
}

func TestLoad_DotEnvAndAPIKeys(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REDIS_ADDR=localhost:6390\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("REDIS_ADDR") })

	t.Setenv("API_KEYS", "a:one:unlimited, b:two")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6390", cfg.Redis.Addr)
	require.Len(t, cfg.APIKeys, 2)
	assert.Equal(t, ratelimit.TierUnlimited, cfg.APIKeys[0].Tier)
	assert.Equal(t, ratelimit.TierFree, cfg.APIKeys[1].Tier)
}

func TestLoad_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	t.Setenv("API_KEYS", "just-a-secret")
	_, err = Load("")
	assert.Error(t, err)
}
