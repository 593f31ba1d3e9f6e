// Package config provides dynamic configuration management for OpenFlock.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for OpenFlock.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort (6688): status API + viewer websockets, JWT protected
	ControlPort int `mapstructure:"control_port"`
	// DataPort (1717): agent websocket ingest — Bearer token protected
	DataPort int `mapstructure:"data_port"`

	// ── Storage engine ────────────────────────────────────────────────────────
	// StorageDriver selects the backend at construction time: "sqlite" or "influx".
	StorageDriver string `mapstructure:"storage_driver"`
	DBPath        string `mapstructure:"db_path"`
	InfluxURL     string `mapstructure:"influx_url"`
	InfluxToken   string `mapstructure:"influx_token"`
	InfluxOrg     string `mapstructure:"influx_org"`
	InfluxBucket  string `mapstructure:"influx_bucket"`

	// ── Security ──────────────────────────────────────────────────────────────
	JWTSecret string `mapstructure:"jwt_secret"`
	// AgentToken: pre-shared key for data-plane agent sockets.
	// Format on wire: "Authorization: Bearer <agent_token>"
	AgentToken string `mapstructure:"agent_token"`
	AdminUser  string `mapstructure:"admin_user"`
	// AdminPassHash is a bcrypt hash; AdminPass (plain) is only honored when
	// the hash is unset, and is hashed at startup.
	AdminPass     string `mapstructure:"admin_pass"`
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Connection admission ─────────────────────────────────────────────────
	MaxConnections     int           `mapstructure:"max_connections"`
	MaxPerIP           int           `mapstructure:"max_per_ip"`
	MaxViewersPerAgent int           `mapstructure:"max_viewers_per_agent"`
	SlowHandler        time.Duration `mapstructure:"slow_handler"`
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	// ── Write buffer ─────────────────────────────────────────────────────────
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	MaxBufferSize       int           `mapstructure:"max_buffer_size"`
	BackpressureSize    int           `mapstructure:"backpressure_size"`
	SmallFleetThreshold int           `mapstructure:"small_fleet_threshold"`

	// ── Durable queue (Redis Streams) ────────────────────────────────────────
	QueueEnabled  bool          `mapstructure:"queue_enabled"`
	QueueRequired bool          `mapstructure:"queue_required"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	StreamName    string        `mapstructure:"stream_name"`
	StreamGroup   string        `mapstructure:"stream_group"`
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
	Consumers     int           `mapstructure:"consumers"`
	ConsumerBatch int64         `mapstructure:"consumer_batch"`
	ConsumerBlock time.Duration `mapstructure:"consumer_block"`

	// ── Retention ────────────────────────────────────────────────────────────
	// Retention maps raw table name → window; unset tables use RetentionDefault.
	Retention        map[string]time.Duration `mapstructure:"retention"`
	RetentionDefault time.Duration            `mapstructure:"retention_default"`
	CleanupInterval  time.Duration            `mapstructure:"cleanup_interval"`
	CleanupDelay     time.Duration            `mapstructure:"cleanup_delay"`
	MaxStorageBytes  int64                    `mapstructure:"max_storage_bytes"`
	SizeCleanupBatch int                      `mapstructure:"size_cleanup_batch"`
	// DataDir is the path whose filesystem the disk panic check measures.
	DataDir      string  `mapstructure:"data_dir"`
	MinFreeBytes uint64  `mapstructure:"min_free_bytes"`
	MinFreePct   float64 `mapstructure:"min_free_pct"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentJoinAddr       string        `mapstructure:"agent_join_addr"`
	AgentSourceID       string        `mapstructure:"agent_source_id"`
	AgentInterval       time.Duration `mapstructure:"agent_interval"`
	AgentStreamInterval time.Duration `mapstructure:"agent_stream_interval"`
	AgentOutboundToken  string        `mapstructure:"agent_outbound_token"`
}

// Load reads config from file (./config.yaml or ~/.openflock/config.yaml)
// and falls back to smart defaults. Environment variables with prefix FLOCK_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Smart Defaults ---
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6688) // status API + viewer websockets
	v.SetDefault("data_port", 1717)    // agent ingest plane

	v.SetDefault("storage_driver", "sqlite")
	v.SetDefault("db_path", "openflock.db")
	v.SetDefault("influx_url", "http://127.0.0.1:8086")
	v.SetDefault("influx_token", "")
	v.SetDefault("influx_org", "openflock")
	v.SetDefault("influx_bucket", "metrics")

	// Security defaults — MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Fk$2qWn8!xJ4#pL7^bV1&cZ9*gM6@hT3") // random placeholder
	v.SetDefault("agent_token", "openflock-secret-key-123")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("admin_pass_hash", "")

	v.SetDefault("max_connections", 2000)
	v.SetDefault("max_per_ip", 20)
	v.SetDefault("max_viewers_per_agent", 10)
	v.SetDefault("slow_handler", 500*time.Millisecond)
	v.SetDefault("agent_timeout", 90*time.Second)
	v.SetDefault("sweep_interval", 30*time.Second)

	v.SetDefault("flush_interval", 10*time.Second)
	v.SetDefault("max_buffer_size", 2000)
	v.SetDefault("backpressure_size", 10000)
	v.SetDefault("small_fleet_threshold", 5)

	v.SetDefault("queue_enabled", false)
	v.SetDefault("queue_required", false)
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("stream_name", "openflock:metrics")
	v.SetDefault("stream_group", "openflock-writers")
	v.SetDefault("stream_max_len", int64(100_000))
	v.SetDefault("consumers", 2)
	v.SetDefault("consumer_batch", int64(50))
	v.SetDefault("consumer_block", 5*time.Second)

	// Log lines age out faster than metric samples by default.
	v.SetDefault("retention", map[string]time.Duration{"log_lines": 168 * time.Hour})
	v.SetDefault("retention_default", 720*time.Hour) // 30 days
	v.SetDefault("cleanup_interval", time.Hour)
	v.SetDefault("cleanup_delay", 2*time.Minute)
	v.SetDefault("max_storage_bytes", int64(8)<<30) // 8 GiB
	v.SetDefault("size_cleanup_batch", 5000)
	v.SetDefault("data_dir", ".")
	v.SetDefault("min_free_bytes", uint64(1)<<30) // 1 GiB
	v.SetDefault("min_free_pct", 5.0)

	v.SetDefault("agent_join_addr", "127.0.0.1:1717")
	v.SetDefault("agent_source_id", "")
	v.SetDefault("agent_interval", 30*time.Second)
	v.SetDefault("agent_stream_interval", 2*time.Second)
	v.SetDefault("agent_outbound_token", "openflock-secret-key-123")

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.openflock")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("FLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// RetentionFor returns the retention window for a raw table, falling back
// to the documented default when the table has no explicit entry.
func (c *Config) RetentionFor(table string) time.Duration {
	if d, ok := c.Retention[table]; ok && d > 0 {
		return d
	}
	return c.RetentionDefault
}
