package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"livedesk/pkg/database"
)

// EnvPrefix is prepended to every environment override, e.g. LIVEDESK_HTTP_PORT.
const EnvPrefix = "LIVEDESK"

// Config is the full runtime configuration of the server.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Session   SessionConfig   `mapstructure:"session"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port for net/http.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// SessionConfig tunes the coordinator and relay.
type SessionConfig struct {
	ClientGracePeriod   time.Duration `mapstructure:"client_grace_period"`
	OperatorGracePeriod time.Duration `mapstructure:"operator_grace_period"`
	MaxTextLength       int           `mapstructure:"max_text_length"`
	RateLimit           int           `mapstructure:"rate_limit"`
	RateWindow          time.Duration `mapstructure:"rate_window"`
	EndedRetention      time.Duration `mapstructure:"ended_retention"`
}

type ArchiveConfig struct {
	// Driver is one of sqlite, redis, memory or none.
	Driver       string          `mapstructure:"driver"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	SQLite       database.Config `mapstructure:"sqlite"`
	Redis        RedisConfig     `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	// JWTSecret enables operator token checks when non-empty.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Enabled reports whether operator tokens are verified.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

type MetricsConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	Namespace string    `mapstructure:"namespace"`
	Buckets   []float64 `mapstructure:"buckets"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
		},
		Session: SessionConfig{
			ClientGracePeriod:   30 * time.Second,
			OperatorGracePeriod: 15 * time.Second,
			MaxTextLength:       4000,
			RateLimit:           100,
			RateWindow:          time.Minute,
			EndedRetention:      time.Hour,
		},
		Archive: ArchiveConfig{
			Driver:       "sqlite",
			WriteTimeout: 5 * time.Second,
			SQLite:       *database.DefaultConfig(),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "livedesk:",
				TTL:       30 * 24 * time.Hour,
			},
		},
		Auth: AuthConfig{
			Issuer: "livedesk",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/livedesk.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "livedesk",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Session.ClientGracePeriod < 0 || c.Session.OperatorGracePeriod < 0 {
		return fmt.Errorf("grace periods cannot be negative")
	}
	if c.Session.MaxTextLength <= 0 {
		return fmt.Errorf("max text length must be positive")
	}
	if c.Session.RateLimit <= 0 || c.Session.RateWindow <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	if c.Session.EndedRetention <= 0 {
		return fmt.Errorf("ended session retention must be positive")
	}

	switch c.Archive.Driver {
	case "sqlite":
		if err := c.Archive.SQLite.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	case "redis":
		if c.Archive.Redis.Addr == "" {
			return errors.New("archive: redis address cannot be empty")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
	}

	switch c.Log.Output {
	case "stdout", "file":
	default:
		return fmt.Errorf("log output must be stdout or file")
	}

	return nil
}

// Load builds a Config from defaults, an optional file and LIVEDESK_* environment
// variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)

	v.SetDefault("session.client_grace_period", d.Session.ClientGracePeriod)
	v.SetDefault("session.operator_grace_period", d.Session.OperatorGracePeriod)
	v.SetDefault("session.max_text_length", d.Session.MaxTextLength)
	v.SetDefault("session.rate_limit", d.Session.RateLimit)
	v.SetDefault("session.rate_window", d.Session.RateWindow)
	v.SetDefault("session.ended_retention", d.Session.EndedRetention)

	v.SetDefault("archive.driver", d.Archive.Driver)
	v.SetDefault("archive.write_timeout", d.Archive.WriteTimeout)
	v.SetDefault("archive.sqlite.path", d.Archive.SQLite.DatabasePath)
	v.SetDefault("archive.sqlite.max_connections", d.Archive.SQLite.MaxConnections)
	v.SetDefault("archive.sqlite.conn_max_lifetime", d.Archive.SQLite.ConnMaxLifetime)
	v.SetDefault("archive.sqlite.conn_max_idle_time", d.Archive.SQLite.ConnMaxIdleTime)
	v.SetDefault("archive.redis.addr", d.Archive.Redis.Addr)
	v.SetDefault("archive.redis.password", d.Archive.Redis.Password)
	v.SetDefault("archive.redis.db", d.Archive.Redis.DB)
	v.SetDefault("archive.redis.key_prefix", d.Archive.Redis.KeyPrefix)
	v.SetDefault("archive.redis.ttl", d.Archive.Redis.TTL)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.stacktrace", d.Log.Stacktrace)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.buckets", d.Metrics.Buckets)
}
