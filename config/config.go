package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP server
	Server ServerConfig `mapstructure:"server"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Kafka
	Kafka KafkaConfig `mapstructure:"kafka"`

	// Click queue (publisher, dispatcher, signatures)
	Queue QueueConfig `mapstructure:"queue"`

	// Redirect cache
	Cache CacheConfig `mapstructure:"cache"`

	// Edge resolver
	Resolver ResolverConfig `mapstructure:"resolver"`

	// Application origin and shared secrets
	App AppConfig `mapstructure:"app"`

	// Reconciliation jobs
	Sync SyncConfig `mapstructure:"sync"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// OpenTelemetry
	Tracing TracingConfig `mapstructure:"tracing"`

	// Logging
	Log LogConfig `mapstructure:"log"`

	// Per-IP limits on the management API
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns"`
	MinConns          int32  `mapstructure:"min_conns"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// QueueConfig drives click transport. Driver is "nats" or "kafka".
type QueueConfig struct {
	Driver            string        `mapstructure:"driver"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	DispatcherEnabled bool          `mapstructure:"dispatcher_enabled"`
	DeliverURL        string        `mapstructure:"deliver_url"`
	DeliverTimeout    time.Duration `mapstructure:"deliver_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	CurrentSigningKey string        `mapstructure:"current_signing_key"`
	NextSigningKey    string        `mapstructure:"next_signing_key"`
}

type CacheConfig struct {
	KeyPrefix     string        `mapstructure:"key_prefix"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	LocalTTL      time.Duration `mapstructure:"local_ttl"`
	LocalMaxItems int64         `mapstructure:"local_max_items"`
}

type ResolverConfig struct {
	CacheTimeout  time.Duration `mapstructure:"cache_timeout"`
	IPHashSalt    string        `mapstructure:"ip_hash_salt"`
	CountryHeader string        `mapstructure:"country_header"`
	CityHeader    string        `mapstructure:"city_header"`
	RegionHeader  string        `mapstructure:"region_header"`
}

// AppConfig holds the two public origins. BaseURL is this server, which
// serves short links, /open and /_go. RestrictionBaseURL is the web app
// that renders the password and availability pages.
type AppConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	RestrictionBaseURL string `mapstructure:"restriction_base_url"`
	SyncSecret         string `mapstructure:"sync_secret"`
	CleanupSecret      string `mapstructure:"cleanup_secret"`
	AdminToken         string `mapstructure:"admin_token"`
	TokenSecret        string `mapstructure:"token_secret"`
}

type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	GuestSweepInterval time.Duration `mapstructure:"guest_sweep_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports configuration that would make the redirect path unsafe.
func (c *Config) Validate() error {
	var errs []error

	if c.App.BaseURL == "" {
		errs = append(errs, errors.New("app.base_url is required"))
	} else if u, err := url.Parse(c.App.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("app.base_url %q must be an absolute URL", c.App.BaseURL))
	}

	if c.App.RestrictionBaseURL == "" {
		errs = append(errs, errors.New("app.restriction_base_url is required"))
	} else if u, err := url.Parse(c.App.RestrictionBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("app.restriction_base_url %q must be an absolute URL", c.App.RestrictionBaseURL))
	} else if sameOrigin(c.App.RestrictionBaseURL, c.App.BaseURL) {
		// Restriction pages served from the short-link origin hit /:code
		// again and loop.
		errs = append(errs, errors.New("app.restriction_base_url must differ from app.base_url"))
	}

	if c.Queue.CurrentSigningKey == "" {
		errs = append(errs, errors.New("queue.current_signing_key is required"))
	}

	switch c.Queue.Driver {
	case "nats":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when queue.driver is kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q must be nats or kafka", c.Queue.Driver))
	}

	if c.Queue.DispatcherEnabled && c.Queue.DeliverURL == "" {
		errs = append(errs, errors.New("queue.deliver_url is required when the dispatcher is enabled"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.max_requests and rate_limit.window must be positive"))
	}

	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}

	return errors.Join(errs...)
}

// sameOrigin reports whether a and b point at the same host. Nothing this
// server routes renders a restriction page, so any path on it would do.
func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 0)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", "")
	v.SetDefault("postgres.max_conn_idle_time", "")
	v.SetDefault("postgres.health_check_period", "")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.host", "localhost")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.monitor_port", 8222)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "click-events")
	v.SetDefault("kafka.group_id", "click-dispatcher")

	v.SetDefault("queue.driver", "nats")
	v.SetDefault("queue.publish_timeout", "2s")
	v.SetDefault("queue.dispatcher_enabled", false)
	v.SetDefault("queue.deliver_url", "")
	v.SetDefault("queue.deliver_timeout", "10s")
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.current_signing_key", "")
	v.SetDefault("queue.next_signing_key", "")

	v.SetDefault("cache.key_prefix", "link:")
	v.SetDefault("cache.write_timeout", "500ms")
	v.SetDefault("cache.local_ttl", "2s")
	v.SetDefault("cache.local_max_items", 100000)

	v.SetDefault("resolver.cache_timeout", "50ms")
	v.SetDefault("resolver.ip_hash_salt", "")
	v.SetDefault("resolver.country_header", "X-Vercel-IP-Country")
	v.SetDefault("resolver.city_header", "X-Vercel-IP-City")
	v.SetDefault("resolver.region_header", "X-Vercel-IP-Country-Region")

	v.SetDefault("app.base_url", "")
	v.SetDefault("app.restriction_base_url", "")
	v.SetDefault("app.sync_secret", "")
	v.SetDefault("app.cleanup_secret", "")
	v.SetDefault("app.admin_token", "")
	v.SetDefault("app.token_secret", "")

	v.SetDefault("sync.interval", "15m")
	v.SetDefault("sync.guest_sweep_interval", "24h")
	v.SetDefault("sync.batch_size", 500)
	v.SetDefault("sync.concurrency", 16)

	v.SetDefault("prometheus.enabled", true)
	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "127.0.0.1:4317")
	v.SetDefault("tracing.service_name", "linkedge")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "")
	v.SetDefault("log.development", os.Getenv("APP_ENV") != "production")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_requests", 30)
	v.SetDefault("rate_limit.window", "1m")
}

func bindEnvVars(v *viper.Viper) {
	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Queue signing keys keep the names the hosted queue hands out.
	v.BindEnv("queue.current_signing_key", "QSTASH_CURRENT_SIGNING_KEY")
	v.BindEnv("queue.next_signing_key", "QSTASH_NEXT_SIGNING_KEY")

	// Application
	v.BindEnv("app.base_url", "APP_BASE_URL")
	v.BindEnv("app.restriction_base_url", "APP_RESTRICTION_BASE_URL", "NEXT_PUBLIC_APP_URL")
	v.BindEnv("app.cleanup_secret", "CRON_SECRET")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Tracing
	v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.encoding", "LOG_ENCODING")
}
