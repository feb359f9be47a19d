package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the mention tracking engine.
type Config struct {
	Storage     Storage           `yaml:"storage"`
	Server      Server            `yaml:"server"`
	Alpaca      Alpaca            `yaml:"alpaca"`
	Logging     Logging           `yaml:"logging"`
	Market      Market            `yaml:"market"`
	Performance PerformanceConfig `yaml:"performance"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Events      EventsConfig      `yaml:"events"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Market describes the exchange session the engine tracks.
type Market struct {
	Name          string   `yaml:"name"`
	Timezone      string   `yaml:"timezone"`
	SessionOpen   string   `yaml:"session_open"`
	SessionClose  string   `yaml:"session_close"`
	CloseFinalize string   `yaml:"close_finalize"`
	Benchmark     string   `yaml:"benchmark"`
	Holidays      []string `yaml:"holidays"`
}

// PerformanceConfig controls batch performance computation.
type PerformanceConfig struct {
	Workers             int  `yaml:"workers"`
	BatchSize           int  `yaml:"batch_size"`
	BackfillChunk       int  `yaml:"backfill_chunk"`
	BackfillHistoryDays int  `yaml:"backfill_history_days"`
	PrefetchBackfill    bool `yaml:"prefetch_backfill"`
	WindowDays          int  `yaml:"window_days"`
	FreezeLevel1Days    int  `yaml:"freeze_level1_days"`
	FreezeLevel2Days    int  `yaml:"freeze_level2_days"`
	FreezeLevel3Days    int  `yaml:"freeze_level3_days"`
}

// SnapshotConfig controls same-day reference price resolution.
type SnapshotConfig struct {
	TTL             Duration `yaml:"ttl"`
	FailureCooldown Duration `yaml:"failure_cooldown"`
	LookbackDays    int      `yaml:"lookback_days"`
}

// EventsConfig controls the interactive read paths.
type EventsConfig struct {
	ManualRefreshCooldown Duration `yaml:"manual_refresh_cooldown"`
	PassiveSyncCooldown   Duration `yaml:"passive_sync_cooldown"`
	RefreshJobCooldown    Duration `yaml:"refresh_job_cooldown"`
	MaxPerPage            int      `yaml:"max_per_page"`
}

// Duration is a time.Duration that unmarshals from strings like "15s".
type Duration struct{ time.Duration }

// UnmarshalYAML parses a scalar duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MENTION_BENCHMARK"); v != "" {
		cfg.Market.Benchmark = v
	}

	// Standard Alpaca env vars take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p <= 0 {
			*p = v
		}
	}
	setDur := func(p *Duration, v time.Duration) {
		if p.Duration <= 0 {
			p.Duration = v
		}
	}

	setStr(&cfg.Storage.DataDir, "data")
	setStr(&cfg.Storage.SQLitePath, "data/mentiontrack.db")
	setStr(&cfg.Server.Host, "127.0.0.1")
	setInt(&cfg.Server.Port, 8080)
	setStr(&cfg.Alpaca.Feed, "sip")
	setInt(&cfg.Alpaca.RateLimitPerMin, 180)
	setStr(&cfg.Logging.Level, "info")
	setStr(&cfg.Logging.Format, "json")

	setStr(&cfg.Market.Name, "us")
	setStr(&cfg.Market.Timezone, "America/New_York")
	setStr(&cfg.Market.SessionOpen, "09:30")
	setStr(&cfg.Market.SessionClose, "16:00")
	setStr(&cfg.Market.CloseFinalize, "16:05")
	setStr(&cfg.Market.Benchmark, "SPY")

	setInt(&cfg.Performance.Workers, 6)
	setInt(&cfg.Performance.BatchSize, 200)
	setInt(&cfg.Performance.BackfillChunk, 50)
	setInt(&cfg.Performance.BackfillHistoryDays, 400)
	setInt(&cfg.Performance.FreezeLevel1Days, 25)
	setInt(&cfg.Performance.FreezeLevel2Days, 70)
	setInt(&cfg.Performance.FreezeLevel3Days, 260)

	setDur(&cfg.Snapshot.TTL, 15*time.Second)
	setDur(&cfg.Snapshot.FailureCooldown, 45*time.Second)
	setInt(&cfg.Snapshot.LookbackDays, 10)

	setDur(&cfg.Events.ManualRefreshCooldown, 10*time.Second)
	setDur(&cfg.Events.PassiveSyncCooldown, 300*time.Second)
	setDur(&cfg.Events.RefreshJobCooldown, 30*time.Second)
	setInt(&cfg.Events.MaxPerPage, 200)
}
