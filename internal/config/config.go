package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// Environment variables override file values (see ResolveEnv).
type Config struct {
	Credentials CredentialsConfig `yaml:"credentials"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Pacing      PacingConfig      `yaml:"pacing"`
	Outbound    OutboundConfig    `yaml:"outbound"`
	Redis       RedisConfig       `yaml:"redis"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type CredentialsConfig struct {
	// App-level OAuth1.0a consumer pair.
	ConsumerKey    string `yaml:"consumerKey" envconfig:"TWITTER_KEY"`
	ConsumerSecret string `yaml:"consumerSecret" envconfig:"TWITTER_SECRET"`
	// Where the remote API sends the user back after authorizing. "oob" selects the PIN flow.
	CallbackURL string `yaml:"callbackURL" envconfig:"TWITTER_OAUTH_CALLBACK_URL"`
}

type APIConfig struct {
	BaseURL     string        `yaml:"baseURL" envconfig:"X_API_BASE_URL"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"X_API_TIMEOUT"`
	MaxAttempts int           `yaml:"maxAttempts" envconfig:"X_API_MAX_ATTEMPTS"`
	BaseBackoff time.Duration `yaml:"baseBackoff" envconfig:"X_API_BASE_BACKOFF"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath" envconfig:"DB_PATH"`
}

type PacingConfig struct {
	// Accounts with fewer followers than this at auth time run in burst mode.
	BurstThreshold    int           `yaml:"burstThreshold" envconfig:"BURST_THRESHOLD"`
	BurstInterval     time.Duration `yaml:"burstInterval" envconfig:"BURST_INTERVAL"`
	SustainedInterval time.Duration `yaml:"sustainedInterval" envconfig:"SUSTAINED_INTERVAL"`
	SettleDelay       time.Duration `yaml:"settleDelay" envconfig:"SETTLE_DELAY"`
	PageLimit         int           `yaml:"pageLimit" envconfig:"PAGE_LIMIT"`
	HydrateChunk      int           `yaml:"hydrateChunk" envconfig:"HYDRATE_CHUNK"`
	// 0 disables the bound.
	MaxIterations int `yaml:"maxIterations" envconfig:"MAX_ITERATIONS"`
	// Caps the number of stored followers for local instances. 0 disables.
	LocalFollowerLimit int `yaml:"localFollowerLimit" envconfig:"LOCAL_FOLLOWER_LIMIT"`
	// Hydrated profiles older than this are refreshed by the refresh command.
	StaleAfter time.Duration `yaml:"staleAfter" envconfig:"STALE_AFTER"`
}

type OutboundConfig struct {
	DailyCap         int           `yaml:"dailyCap" envconfig:"DM_DAILY_CAP"`
	Period           time.Duration `yaml:"period" envconfig:"DM_PERIOD"`
	MaxMessageLength int           `yaml:"maxMessageLength" envconfig:"DM_MAX_MESSAGE_LENGTH"`
}

type RedisConfig struct {
	// Empty keeps the send gate in process.
	Addr     string        `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string        `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" envconfig:"REDIS_DB"`
	LockKey  string        `yaml:"lockKey" envconfig:"REDIS_LOCK_KEY"`
	LockTTL  time.Duration `yaml:"lockTTL" envconfig:"REDIS_LOCK_TTL"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr" envconfig:"HTTP_ADDR"`
	MetricsAddr string `yaml:"metricsAddr" envconfig:"METRICS_ADDR"`
	// Where /auth/callback redirects after a successful login.
	FrontendURL string `yaml:"frontendURL" envconfig:"FRONTEND_URL"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" envconfig:"LOG_PRETTY"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Credentials: CredentialsConfig{CallbackURL: "oob"},
		API: APIConfig{
			BaseURL:     "https://api.twitter.com",
			Timeout:     15 * time.Second,
			MaxAttempts: 5,
			BaseBackoff: 500 * time.Millisecond,
		},
		Storage: StorageConfig{DBPath: "./doyen.db"},
		Pacing: PacingConfig{
			BurstThreshold:    75000,
			BurstInterval:     1500 * time.Millisecond,
			SustainedInterval: time.Minute,
			SettleDelay:       time.Second,
			PageLimit:         5000,
			HydrateChunk:      100,
			MaxIterations:     10000,
			StaleAfter:        30 * 24 * time.Hour,
		},
		Outbound: OutboundConfig{DailyCap: 1000, Period: 24 * time.Hour, MaxMessageLength: 10000},
		Redis:    RedisConfig{LockKey: "doyen:send-lock", LockTTL: 2 * time.Hour},
		Server:   ServerConfig{Addr: ":8080"},
		Log:      LogConfig{Level: "info"},
	}
}

// ResolveEnv overlays environment variables onto c. Variables may carry the
// DOYEN_ prefix (DOYEN_PACING_PAGE_LIMIT) or use the bare name (PAGE_LIMIT).
func (c *Config) ResolveEnv() error {
	if err := envconfig.Process("doyen", c); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Storage.DBPath == "":
		return errors.New("storage.dbPath is required")
	case c.Pacing.PageLimit <= 0 || c.Pacing.PageLimit > 5000:
		return fmt.Errorf("pacing.pageLimit must be in (0,5000], got %d", c.Pacing.PageLimit)
	case c.Pacing.HydrateChunk <= 0 || c.Pacing.HydrateChunk > 100:
		return fmt.Errorf("pacing.hydrateChunk must be in (0,100], got %d", c.Pacing.HydrateChunk)
	case c.Outbound.DailyCap <= 0:
		return errors.New("outbound.dailyCap must be positive")
	case c.Outbound.Period <= 0:
		return errors.New("outbound.period must be positive")
	case c.Outbound.MaxMessageLength <= 0:
		return errors.New("outbound.maxMessageLength must be positive")
	}
	return nil
}

// Load reads YAML config from path on top of Default, then applies .env and
// environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ResolveEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
