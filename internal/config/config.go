package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

type Config struct {
	Port   string `toml:"port"`
	DBPath string `toml:"db_path"`

	Redis    RedisConfig    `toml:"redis"`
	Log      LogConfig      `toml:"log"`
	Worker   WorkerConfig   `toml:"worker"`
	Fetch    FetchConfig    `toml:"fetch"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Provider ProviderConfig `toml:"providers"`

	APIKeys []ratelimit.APIKey `toml:"api_keys"`
}

// RedisConfig is optional. With no address, rate counters live in sqlite.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type WorkerConfig struct {
	ParallelJobLimit int           `toml:"parallel_job_limit"`
	ClaimLease       time.Duration `toml:"claim_lease"`
	PollInterval     time.Duration `toml:"poll_interval"`
	ChunkTimeBudget  time.Duration `toml:"chunk_time_budget"`
	MaxChunkSize     int           `toml:"max_chunk_size"`
	// RoundLatency is the expected duration of one provider round, used to
	// size chunks to the budget.
	RoundLatency time.Duration `toml:"round_latency"`
	// CommitReserve is the part of the budget kept back for the cache merge
	// and the chunk commit after providers stop.
	CommitReserve time.Duration `toml:"commit_reserve"`
}

type FetchConfig struct {
	BatchSize         int           `toml:"batch_size"`
	ConcurrentBatches int           `toml:"concurrent_batches"`
	RoundDelay        time.Duration `toml:"round_delay"`
	StaleHorizon      time.Duration `toml:"stale_horizon"`
}

type RefreshConfig struct {
	Cron           string `toml:"cron"`
	MaxCount       int    `toml:"max_count"`
	MinLookupCount int    `toml:"min_lookup_count"`
	PruneCron      string `toml:"prune_cron"`
}

type ProviderConfig struct {
	NeynarAPIKey  string `toml:"neynar_api_key"`
	NeynarURL     string `toml:"neynar_url"`
	ENSURL        string `toml:"ens_url"`
	Web3BioURL    string `toml:"web3bio_url"`
	Web3BioAPIKey string `toml:"web3bio_api_key"`
}

func defaults() Config {
	return Config{
		Port:   "8080",
		DBPath: "social-resolver.db",
		Log:    LogConfig{Level: "info"},
		Worker: WorkerConfig{
			ParallelJobLimit: 3,
			ClaimLease:       2 * time.Minute,
			PollInterval:     5 * time.Second,
			ChunkTimeBudget:  50 * time.Second,
			MaxChunkSize:     1000,
			RoundLatency:     2 * time.Second,
			CommitReserve:    5 * time.Second,
		},
		Fetch: FetchConfig{
			BatchSize:         200,
			ConcurrentBatches: 3,
			RoundDelay:        500 * time.Millisecond,
			StaleHorizon:      7 * 24 * time.Hour,
		},
		Refresh: RefreshConfig{
			Cron:           "0 3 * * *",
			MaxCount:       500,
			MinLookupCount: 5,
			PruneCron:      "@hourly",
		},
	}
}

// Load builds the configuration from defaults, then the optional TOML file
// at path (or CONFIG_FILE), then environment variables. A .env file in the
// working directory is loaded into the environment first.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Worker.ParallelJobLimit = getEnvInt("PARALLEL_JOB_LIMIT", cfg.Worker.ParallelJobLimit)
	cfg.Worker.ClaimLease = getEnvDuration("CLAIM_LEASE", cfg.Worker.ClaimLease)
	cfg.Worker.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.ChunkTimeBudget = getEnvDuration("CHUNK_TIME_BUDGET", cfg.Worker.ChunkTimeBudget)
	cfg.Worker.MaxChunkSize = getEnvInt("MAX_CHUNK_SIZE", cfg.Worker.MaxChunkSize)
	cfg.Worker.RoundLatency = getEnvDuration("ROUND_LATENCY", cfg.Worker.RoundLatency)
	cfg.Worker.CommitReserve = getEnvDuration("COMMIT_RESERVE", cfg.Worker.CommitReserve)

	cfg.Fetch.BatchSize = getEnvInt("BATCH_SIZE", cfg.Fetch.BatchSize)
	cfg.Fetch.ConcurrentBatches = getEnvInt("CONCURRENT_BATCHES", cfg.Fetch.ConcurrentBatches)
	cfg.Fetch.RoundDelay = getEnvDuration("ROUND_DELAY", cfg.Fetch.RoundDelay)
	cfg.Fetch.StaleHorizon = getEnvDuration("STALE_HORIZON", cfg.Fetch.StaleHorizon)

	cfg.Refresh.Cron = getEnv("REFRESH_CRON", cfg.Refresh.Cron)
	cfg.Refresh.MaxCount = getEnvInt("REFRESH_MAX", cfg.Refresh.MaxCount)
	cfg.Refresh.MinLookupCount = getEnvInt("REFRESH_MIN_LOOKUPS", cfg.Refresh.MinLookupCount)

	cfg.Provider.NeynarAPIKey = getEnv("NEYNAR_API_KEY", cfg.Provider.NeynarAPIKey)
	cfg.Provider.NeynarURL = getEnv("NEYNAR_URL", cfg.Provider.NeynarURL)
	cfg.Provider.ENSURL = getEnv("ENS_URL", cfg.Provider.ENSURL)
	cfg.Provider.Web3BioURL = getEnv("WEB3BIO_URL", cfg.Provider.Web3BioURL)
	cfg.Provider.Web3BioAPIKey = getEnv("WEB3BIO_API_KEY", cfg.Provider.Web3BioAPIKey)

	if v := os.Getenv("API_KEYS"); v != "" {
		keys, err := ratelimit.ParseKeys(v)
		if err != nil {
			return Config{}, fmt.Errorf("API_KEYS: %w", err)
		}
		cfg.APIKeys = keys
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}
