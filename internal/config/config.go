// Package config defines all configuration for the option feed relay.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Market      MarketConfig      `mapstructure:"market"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the client-facing HTTP/WebSocket server.
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
}

// BrokerConfig holds the upstream broker feed endpoint and connection policy.
//
//   - ReconnectBaseMs/ReconnectCapMs: exponential backoff bounds.
//   - MaxFrameBytes: upstream frames larger than this are discarded.
//   - CommandsPerSec: rate cap on sub/unsub commands to the broker.
type BrokerConfig struct {
	WSURL           string `mapstructure:"ws_url"`
	ReconnectBaseMs int    `mapstructure:"broker_reconnect_base_ms"`
	ReconnectCapMs  int    `mapstructure:"broker_reconnect_cap_ms"`
	MaxFrameBytes   int    `mapstructure:"max_frame_bytes"`
	CommandsPerSec  int    `mapstructure:"commands_per_sec"`
}

func (c BrokerConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

func (c BrokerConfig) ReconnectCap() time.Duration {
	return time.Duration(c.ReconnectCapMs) * time.Millisecond
}

// CatalogConfig points at the instrument master used to build option chains.
// BaseURL is fetched at startup; SnapshotFile is the local fallback when the
// REST side is unreachable.
type CatalogConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	SnapshotFile string `mapstructure:"snapshot_file"`
}

// CredentialsConfig sets where per-user broker credentials are persisted.
type CredentialsConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// FeedConfig tunes the per-session feed machinery.
//
//   - LiveWindowHalfWidth: strikes on each side of the ATM (window = 2W+1 rows).
//   - FlushIntervalMs: broadcast batching cadence.
//   - ATMHysteresisMs: minimum spacing between the two qualifying underlying
//     ticks that trigger a window rebuild.
//   - ResetDeadlineMs: RESETTING -> LIVE deadline for a switch.
//   - AnalyticsWorkerCount: 0 means min(4, cores-1).
//   - AnalyticsMinIntervalMs: per-instrument floor between derivations.
//   - SimulateQuotes: synthesize bid/ask for traded strikes with no quotes.
type FeedConfig struct {
	LiveWindowHalfWidth    int  `mapstructure:"live_window_half_width"`
	FlushIntervalMs        int  `mapstructure:"flush_interval_ms"`
	HealthIntervalMs       int  `mapstructure:"health_interval_ms"`
	ATMHysteresisMs        int  `mapstructure:"atm_hysteresis_ms"`
	ResetDeadlineMs        int  `mapstructure:"reset_deadline_ms"`
	AnalyticsWorkerCount   int  `mapstructure:"analytics_worker_count"`
	AnalyticsMinIntervalMs int  `mapstructure:"analytics_min_interval_ms"`
	SimulateQuotes         bool `mapstructure:"simulate_quotes"`
	SimulatedSpreadBps     int  `mapstructure:"simulated_spread_bps"`

	// Pricing inputs for local IV/Greek derivation.
	RiskFreeRate  float64 `mapstructure:"risk_free_rate"`
	DividendYield float64 `mapstructure:"dividend_yield"`
}

func (c FeedConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c FeedConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

func (c FeedConfig) ATMHysteresis() time.Duration {
	return time.Duration(c.ATMHysteresisMs) * time.Millisecond
}

func (c FeedConfig) ResetDeadline() time.Duration {
	return time.Duration(c.ResetDeadlineMs) * time.Millisecond
}

func (c FeedConfig) AnalyticsMinInterval() time.Duration {
	return time.Duration(c.AnalyticsMinIntervalMs) * time.Millisecond
}

// AnalyticsWorkers resolves the worker count, defaulting to min(4, cores-1)
// and never less than 1.
func (c FeedConfig) AnalyticsWorkers() int {
	n := c.AnalyticsWorkerCount
	if n <= 0 {
		n = runtime.NumCPU() - 1
		if n > 4 {
			n = 4
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SessionsConfig controls client transport queues, heartbeats, and expiry.
type SessionsConfig struct {
	OutboundQueueCap    int `mapstructure:"outbound_queue_cap"`
	IdleSessionTimeoutS int `mapstructure:"idle_session_timeout_s"`
	HeartbeatIntervalS  int `mapstructure:"heartbeat_interval_s"`
	HeartbeatTimeoutS   int `mapstructure:"heartbeat_timeout_s"`
}

func (c SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleSessionTimeoutS) * time.Second
}

func (c SessionsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

func (c SessionsConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutS) * time.Second
}

// MarketConfig describes exchange hours, used together with upstream silence
// to decide MARKET_CLOSED.
type MarketConfig struct {
	Open            string `mapstructure:"open"`     // "09:15"
	Close           string `mapstructure:"close"`    // "15:30"
	Timezone        string `mapstructure:"timezone"` // IANA name
	SilenceTimeoutS int    `mapstructure:"silence_timeout_s"`
	ClosedDebounceS int    `mapstructure:"closed_debounce_s"`
}

func (c MarketConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutS) * time.Second
}

func (c MarketConfig) ClosedDebounce() time.Duration {
	return time.Duration(c.ClosedDebounceS) * time.Second
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: RELAY_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if secret := os.Getenv("RELAY_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")

	v.SetDefault("broker.broker_reconnect_base_ms", 500)
	v.SetDefault("broker.broker_reconnect_cap_ms", 30000)
	v.SetDefault("broker.max_frame_bytes", 1<<20)
	v.SetDefault("broker.commands_per_sec", 10)

	v.SetDefault("feed.live_window_half_width", 8)
	v.SetDefault("feed.flush_interval_ms", 200)
	v.SetDefault("feed.health_interval_ms", 1000)
	v.SetDefault("feed.atm_hysteresis_ms", 250)
	v.SetDefault("feed.reset_deadline_ms", 5000)
	v.SetDefault("feed.analytics_worker_count", 0)
	v.SetDefault("feed.analytics_min_interval_ms", 1000)
	v.SetDefault("feed.simulate_quotes", true)
	v.SetDefault("feed.simulated_spread_bps", 50)
	v.SetDefault("feed.risk_free_rate", 0.065)
	v.SetDefault("feed.dividend_yield", 0.0)

	v.SetDefault("sessions.outbound_queue_cap", 64)
	v.SetDefault("sessions.idle_session_timeout_s", 1200)
	v.SetDefault("sessions.heartbeat_interval_s", 20)
	v.SetDefault("sessions.heartbeat_timeout_s", 30)

	v.SetDefault("market.open", "09:15")
	v.SetDefault("market.close", "15:30")
	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("market.silence_timeout_s", 60)
	v.SetDefault("market.closed_debounce_s", 5)

	v.SetDefault("credentials.data_dir", "data/credentials")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (set RELAY_JWT_SECRET)")
	}
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if c.Broker.ReconnectBaseMs <= 0 || c.Broker.ReconnectCapMs < c.Broker.ReconnectBaseMs {
		return fmt.Errorf("broker reconnect bounds invalid: base=%dms cap=%dms",
			c.Broker.ReconnectBaseMs, c.Broker.ReconnectCapMs)
	}
	if c.Broker.MaxFrameBytes <= 0 {
		return fmt.Errorf("broker.max_frame_bytes must be > 0")
	}
	if c.Catalog.BaseURL == "" && c.Catalog.SnapshotFile == "" {
		return fmt.Errorf("catalog.base_url or catalog.snapshot_file is required")
	}
	if c.Feed.LiveWindowHalfWidth < 0 {
		return fmt.Errorf("feed.live_window_half_width must be >= 0")
	}
	if c.Feed.FlushIntervalMs <= 0 {
		return fmt.Errorf("feed.flush_interval_ms must be > 0")
	}
	if c.Feed.HealthIntervalMs <= 0 {
		return fmt.Errorf("feed.health_interval_ms must be > 0")
	}
	if c.Feed.ResetDeadlineMs <= 0 {
		return fmt.Errorf("feed.reset_deadline_ms must be > 0")
	}
	if c.Sessions.OutboundQueueCap <= 0 {
		return fmt.Errorf("sessions.outbound_queue_cap must be > 0")
	}
	if c.Sessions.HeartbeatTimeoutS <= c.Sessions.HeartbeatIntervalS {
		return fmt.Errorf("sessions.heartbeat_timeout_s (%d) must exceed heartbeat_interval_s (%d)",
			c.Sessions.HeartbeatTimeoutS, c.Sessions.HeartbeatIntervalS)
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	for _, hhmm := range []string{c.Market.Open, c.Market.Close} {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("market hours %q: %w", hhmm, err)
		}
	}
	return nil
}
