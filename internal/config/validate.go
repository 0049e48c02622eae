package config

import (
	"fmt"
	"time"

	"github.com/djlord-it/mailrelay/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_BACKEND=postgres")
		}
	case "mongo":
		if cfg.MongoURI == "" {
			add("MONGO_URI", "required when STORE_BACKEND=mongo")
		}
	default:
		add("STORE_BACKEND", "must be 'memory', 'postgres' or 'mongo', got %q", cfg.StoreBackend)
	}

	switch cfg.LockBackend {
	case "local":
	case "redis":
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when LOCK_BACKEND=redis")
		}
	default:
		add("LOCK_BACKEND", "must be 'local' or 'redis', got %q", cfg.LockBackend)
	}

	switch cfg.IntakeMode {
	case "channel":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			add("KAFKA_BROKERS", "required when INTAKE_MODE=kafka")
		}
		if cfg.KafkaTopic == "" {
			add("KAFKA_TOPIC", "required when INTAKE_MODE=kafka")
		}
		if cfg.KafkaGroupID == "" {
			add("KAFKA_GROUP_ID", "required when INTAKE_MODE=kafka")
		}
	default:
		add("INTAKE_MODE", "must be 'channel' or 'kafka', got %q", cfg.IntakeMode)
	}

	switch cfg.MailProvider {
	case "log":
	case "smtp":
		if cfg.SMTPHost == "" {
			add("SMTP_HOST", "required when MAIL_PROVIDER=smtp")
		}
		if cfg.SMTPFrom == "" {
			add("SMTP_FROM", "required when MAIL_PROVIDER=smtp")
		}
		if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
			add("SMTP_PORT", "must be between 1 and 65535, got %d", cfg.SMTPPort)
		}
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			add("SENDGRID_API_KEY", "required when MAIL_PROVIDER=sendgrid")
		}
		if cfg.SendGridFromEmail == "" {
			add("SENDGRID_FROM_EMAIL", "required when MAIL_PROVIDER=sendgrid")
		}
	default:
		add("MAIL_PROVIDER", "must be 'log', 'smtp' or 'sendgrid', got %q", cfg.MailProvider)
	}

	if cfg.CircuitBreakerScope != "relay" && cfg.CircuitBreakerScope != "domain" {
		add("CIRCUIT_BREAKER_SCOPE", "must be 'relay' or 'domain', got %q", cfg.CircuitBreakerScope)
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when ANALYTICS_ENABLED=true")
	}

	for _, d := range cfg.durations() {
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			add(d.env, "invalid duration: %v", err)
		} else if parsed <= 0 {
			add(d.env, "must be positive")
		}
	}

	if cfg.SweepEnabled {
		if _, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone); err != nil {
			add("SWEEP_SCHEDULE", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Warnings returns non-fatal configuration issues worth logging at startup.
func Warnings(cfg Config) []string {
	var out []string
	if cfg.StoreBackend == "memory" {
		out = append(out, "STORE_BACKEND=memory: delivery records are lost on restart")
	}
	if cfg.StoreBackend == "memory" && cfg.IntakeMode == "kafka" {
		out = append(out, "INTAKE_MODE=kafka with STORE_BACKEND=memory: committed offsets outlive the records they produced")
	}
	if cfg.SweepEnabled && cfg.StoreBackend == "mongo" {
		out = append(out, "STORE_BACKEND=mongo has no leader election: run the sweeper on one instance only")
	}
	if cfg.LockBackend == "local" && cfg.StoreBackend != "memory" {
		out = append(out, "LOCK_BACKEND=local: per-id serialization is process-local; version checks still prevent lost updates")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		out = append(out, "CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled")
	}
	if cfg.LockBackend == "redis" && cfg.LockExpiry > 0 && cfg.SendTimeout >= cfg.LockExpiry {
		out = append(out, fmt.Sprintf("LOCK_EXPIRY (%s) should exceed SEND_TIMEOUT (%s)", cfg.LockExpiry, cfg.SendTimeout))
	}
	if cfg.MailProvider == "log" {
		out = append(out, "MAIL_PROVIDER=log: emails are logged, not delivered")
	}
	return out
}
