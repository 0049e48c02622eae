package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		StoreBackend:               "memory",
		LockBackend:                "local",
		IntakeMode:                 "channel",
		MailProvider:               "log",
		CircuitBreakerScope:        "relay",
		CircuitBreakerThreshold:    5,
		SweepEnabled:               true,
		SweepSchedule:              "@every 5m",
		SweepTimezone:              "UTC",
		DBConnMaxLifetimeStr:       "30m",
		DBConnMaxIdleTimeStr:       "5m",
		LockExpiryStr:              "60s",
		IntakeRetryIntervalStr:     "5s",
		SendTimeoutStr:             "30s",
		CircuitBreakerCooldownStr:  "2m",
		HTTPShutdownTimeoutStr:     "10s",
		IntakeDrainTimeoutStr:      "30s",
		AnalyticsRetentionStr:      "168h",
		LeaderRetryIntervalStr:     "5s",
		LeaderHeartbeatIntervalStr: "2s",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"postgres needs DATABASE_URL", func(c *Config) { c.StoreBackend = "postgres" }, "DATABASE_URL"},
		{"mongo needs MONGO_URI", func(c *Config) { c.StoreBackend = "mongo" }, "MONGO_URI"},
		{"unknown store", func(c *Config) { c.StoreBackend = "sqlite" }, "STORE_BACKEND"},
		{"redis lock needs REDIS_ADDR", func(c *Config) { c.LockBackend = "redis" }, "REDIS_ADDR"},
		{"kafka needs brokers", func(c *Config) { c.IntakeMode = "kafka"; c.KafkaTopic = "t"; c.KafkaGroupID = "g" }, "KAFKA_BROKERS"},
		{"unknown intake", func(c *Config) { c.IntakeMode = "db" }, "INTAKE_MODE"},
		{"smtp needs host", func(c *Config) { c.MailProvider = "smtp"; c.SMTPFrom = "a@x.io"; c.SMTPPort = 587 }, "SMTP_HOST"},
		{"sendgrid needs key", func(c *Config) { c.MailProvider = "sendgrid"; c.SendGridFromEmail = "a@x.io" }, "SENDGRID_API_KEY"},
		{"unknown provider", func(c *Config) { c.MailProvider = "ses" }, "MAIL_PROVIDER"},
		{"breaker scope", func(c *Config) { c.CircuitBreakerScope = "host" }, "CIRCUIT_BREAKER_SCOPE"},
		{"analytics needs redis", func(c *Config) { c.AnalyticsEnabled = true }, "REDIS_ADDR"},
		{"bad schedule", func(c *Config) { c.SweepSchedule = "every now and then" }, "SWEEP_SCHEDULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %s: %q", tt.field, err.Error())
			}
		})
	}
}

func TestValidate_DisabledSweepSkipsSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.SweepEnabled = false
	cfg.SweepSchedule = "garbage"

	if err := Validate(cfg); err != nil {
		t.Errorf("schedule should not be checked when the sweeper is disabled: %v", err)
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.SendTimeoutStr = tt.value

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for send_timeout=%q", tt.value)
			}
			if !strings.Contains(err.Error(), "SEND_TIMEOUT") || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention SEND_TIMEOUT and %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBackend = "postgres"
	cfg.SendTimeoutStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}

func TestWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.CircuitBreakerThreshold = 0

	warnings := strings.Join(Warnings(cfg), "\n")
	for _, want := range []string{"STORE_BACKEND=memory", "CIRCUIT_BREAKER_THRESHOLD=0", "MAIL_PROVIDER=log"} {
		if !strings.Contains(warnings, want) {
			t.Errorf("warnings should mention %s, got:\n%s", want, warnings)
		}
	}

	cfg = validConfig()
	cfg.StoreBackend = "postgres"
	cfg.MailProvider = "smtp"
	if w := Warnings(cfg); len(w) != 1 || !strings.Contains(w[0], "LOCK_BACKEND=local") {
		t.Errorf("expected only the local lock warning, got %v", w)
	}
}
