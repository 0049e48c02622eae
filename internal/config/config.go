package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/djlord-it/mailrelay/internal/leaderelection"
)

// Config holds all configuration for the mailrelay application.
// Values come from environment variables, optionally layered over the file
// named by CONFIG_FILE; environment always wins.
type Config struct {
	// StoreBackend: "memory", "postgres" or "mongo".
	StoreBackend string `json:"store_backend"`

	DatabaseURL          string        `json:"database_url"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`
	DBAutoMigrate        bool          `json:"db_auto_migrate"`

	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`

	RedisAddr string `json:"redis_addr,omitempty"`

	// LockBackend: "local" (single instance) or "redis" (redsync).
	LockBackend   string        `json:"lock_backend"`
	LockExpiry    time.Duration `json:"-"`
	LockExpiryStr string        `json:"lock_expiry"`

	// IntakeMode: "channel" (in-process, fed by POST /api/messages) or "kafka".
	IntakeMode             string        `json:"intake_mode"`
	KafkaBrokers           []string      `json:"kafka_brokers"`
	KafkaTopic             string        `json:"kafka_topic"`
	KafkaGroupID           string        `json:"kafka_group_id"`
	IntakeWorkers          int           `json:"intake_workers"`
	IntakeRetryInterval    time.Duration `json:"-"`
	IntakeRetryIntervalStr string        `json:"intake_retry_interval"`
	EventBusBufferSize     int           `json:"eventbus_buffer_size"`

	SweepEnabled  bool   `json:"sweep_enabled"`
	SweepSchedule string `json:"sweep_schedule"`
	SweepTimezone string `json:"sweep_timezone"`
	SweepOnStart  bool   `json:"sweep_on_start"`

	// MailProvider: "log", "smtp" or "sendgrid".
	MailProvider      string        `json:"mail_provider"`
	SMTPHost          string        `json:"smtp_host"`
	SMTPPort          int           `json:"smtp_port"`
	SMTPUsername      string        `json:"smtp_username"`
	SMTPPassword      string        `json:"smtp_password"`
	SMTPFrom          string        `json:"smtp_from"`
	SMTPTLSPolicy     string        `json:"smtp_tls_policy"`
	SendGridAPIKey    string        `json:"sendgrid_api_key"`
	SendGridFromEmail string        `json:"sendgrid_from_email"`
	SendGridFromName  string        `json:"sendgrid_from_name"`
	SendTimeout       time.Duration `json:"-"`
	SendTimeoutStr    string        `json:"send_timeout"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`
	// CircuitBreakerScope: "relay" (one circuit) or "domain" (per recipient domain).
	CircuitBreakerScope string `json:"circuit_breaker_scope"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	IntakeDrainTimeout     time.Duration `json:"-"`
	IntakeDrainTimeoutStr  string        `json:"intake_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr"`
	MetricsPath    string `json:"metrics_path"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `json:"config_file,omitempty"`
}

var defaults = map[string]any{
	"store_backend":             "memory",
	"db_max_open_conns":         25,
	"db_max_idle_conns":         5,
	"db_conn_max_lifetime":      "30m",
	"db_conn_max_idle_time":     "5m",
	"db_auto_migrate":           true,
	"mongo_database":            "mailrelay",
	"lock_backend":              "local",
	"lock_expiry":               "60s",
	"intake_mode":               "channel",
	"kafka_topic":               "email-events",
	"kafka_group_id":            "mailrelay",
	"intake_workers":            1,
	"intake_retry_interval":     "5s",
	"eventbus_buffer_size":      100,
	"sweep_enabled":             true,
	"sweep_schedule":            "@every 5m",
	"sweep_timezone":            "UTC",
	"sweep_on_start":            false,
	"mail_provider":             "log",
	"smtp_port":                 587,
	"smtp_tls_policy":           "mandatory",
	"send_timeout":              "30s",
	"circuit_breaker_threshold": 5,
	"circuit_breaker_cooldown":  "2m",
	"circuit_breaker_scope":     "relay",
	"http_shutdown_timeout":     "10s",
	"intake_drain_timeout":      "30s",
	"metrics_enabled":           false,
	"metrics_addr":              ":9090",
	"metrics_path":              "/metrics",
	"analytics_enabled":         false,
	"analytics_retention":       "168h",
	"log_level":                 "info",
	"log_format":                "json",
	"leader_lock_key":           leaderelection.DefaultLockKey,
	"leader_retry_interval":     "5s",
	"leader_heartbeat_interval": "2s",
}

// Load reads configuration from the environment, layered over CONFIG_FILE
// when set. Only a missing or unreadable config file is an error; value
// problems are reported by Validate.
func Load() (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	var cfg Config
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
		cfg.ConfigFile = file
	}

	cfg.StoreBackend = strings.ToLower(v.GetString("store_backend"))
	cfg.DatabaseURL = v.GetString("database_url")
	cfg.DBMaxOpenConns = positiveInt(v, "db_max_open_conns")
	cfg.DBMaxIdleConns = positiveInt(v, "db_max_idle_conns")
	cfg.DBConnMaxLifetimeStr = v.GetString("db_conn_max_lifetime")
	cfg.DBConnMaxIdleTimeStr = v.GetString("db_conn_max_idle_time")
	cfg.DBAutoMigrate = v.GetBool("db_auto_migrate")
	cfg.MongoURI = v.GetString("mongo_uri")
	cfg.MongoDatabase = v.GetString("mongo_database")
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.LockBackend = strings.ToLower(v.GetString("lock_backend"))
	cfg.LockExpiryStr = v.GetString("lock_expiry")

	cfg.IntakeMode = strings.ToLower(v.GetString("intake_mode"))
	cfg.KafkaBrokers = splitList(strings.Join(v.GetStringSlice("kafka_brokers"), ","))
	cfg.KafkaTopic = v.GetString("kafka_topic")
	cfg.KafkaGroupID = v.GetString("kafka_group_id")
	cfg.IntakeWorkers = positiveInt(v, "intake_workers")
	cfg.IntakeRetryIntervalStr = v.GetString("intake_retry_interval")
	cfg.EventBusBufferSize = positiveInt(v, "eventbus_buffer_size")

	cfg.SweepEnabled = v.GetBool("sweep_enabled")
	cfg.SweepSchedule = v.GetString("sweep_schedule")
	cfg.SweepTimezone = v.GetString("sweep_timezone")
	cfg.SweepOnStart = v.GetBool("sweep_on_start")

	cfg.MailProvider = strings.ToLower(v.GetString("mail_provider"))
	cfg.SMTPHost = v.GetString("smtp_host")
	cfg.SMTPPort = v.GetInt("smtp_port")
	cfg.SMTPUsername = v.GetString("smtp_username")
	cfg.SMTPPassword = v.GetString("smtp_password")
	cfg.SMTPFrom = v.GetString("smtp_from")
	cfg.SMTPTLSPolicy = v.GetString("smtp_tls_policy")
	cfg.SendGridAPIKey = v.GetString("sendgrid_api_key")
	cfg.SendGridFromEmail = v.GetString("sendgrid_from_email")
	cfg.SendGridFromName = v.GetString("sendgrid_from_name")
	cfg.SendTimeoutStr = v.GetString("send_timeout")

	cfg.CircuitBreakerThreshold = v.GetInt("circuit_breaker_threshold")
	cfg.CircuitBreakerCooldownStr = v.GetString("circuit_breaker_cooldown")
	cfg.CircuitBreakerScope = strings.ToLower(v.GetString("circuit_breaker_scope"))

	cfg.HTTPAddr = v.GetString("http_addr")
	cfg.HTTPShutdownTimeoutStr = v.GetString("http_shutdown_timeout")
	cfg.IntakeDrainTimeoutStr = v.GetString("intake_drain_timeout")

	cfg.MetricsEnabled = v.GetBool("metrics_enabled")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.MetricsPath = v.GetString("metrics_path")
	cfg.AnalyticsEnabled = v.GetBool("analytics_enabled")
	cfg.AnalyticsRetentionStr = v.GetString("analytics_retention")
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogFormat = v.GetString("log_format")

	cfg.LeaderLockKey = v.GetInt64("leader_lock_key")
	cfg.LeaderRetryIntervalStr = v.GetString("leader_retry_interval")
	cfg.LeaderHeartbeatIntervalStr = v.GetString("leader_heartbeat_interval")

	// Support a platform-provided PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := v.GetString("port"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if parsed, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = parsed
		}
	}

	return cfg, nil
}

type durationField struct {
	env string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"LOCK_EXPIRY", &c.LockExpiryStr, &c.LockExpiry},
		{"INTAKE_RETRY_INTERVAL", &c.IntakeRetryIntervalStr, &c.IntakeRetryInterval},
		{"SEND_TIMEOUT", &c.SendTimeoutStr, &c.SendTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"INTAKE_DRAIN_TIMEOUT", &c.IntakeDrainTimeoutStr, &c.IntakeDrainTimeout},
		{"ANALYTICS_RETENTION", &c.AnalyticsRetentionStr, &c.AnalyticsRetention},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

// positiveInt falls back to the default when the value is not a positive
// integer.
func positiveInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return defaults[key].(int)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.MongoURI = maskSecret(c.MongoURI)
	masked.SMTPPassword = maskSecret(c.SMTPPassword)
	masked.SendGridAPIKey = maskSecret(c.SendGridAPIKey)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "mongodb://", "mongodb+srv://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
