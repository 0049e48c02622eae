package main

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/djlord-it/mailrelay/internal/config"
)

// captureWarnings calls logConfigWarnings and returns the logged warnings.
func captureWarnings(cfg config.Config) []string {
	core, logs := observer.New(zapcore.DebugLevel)
	logConfigWarnings(zap.New(core), cfg)

	var out []string
	for _, e := range logs.All() {
		if e.Level != zapcore.WarnLevel {
			continue
		}
		out = append(out, e.ContextMap()["warning"].(string))
	}
	return out
}

func containsWarning(warnings []string, prefix string) bool {
	for _, w := range warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func TestLogConfigWarnings_MemoryKafka(t *testing.T) {
	warnings := captureWarnings(config.Config{
		StoreBackend:            "memory",
		IntakeMode:              "kafka",
		LockBackend:             "local",
		MailProvider:            "smtp",
		CircuitBreakerThreshold: 5,
	})

	if !containsWarning(warnings, "STORE_BACKEND=memory") {
		t.Error("expected memory store warning, got:", warnings)
	}
	if !containsWarning(warnings, "INTAKE_MODE=kafka with STORE_BACKEND=memory") {
		t.Error("expected kafka+memory warning, got:", warnings)
	}
	if containsWarning(warnings, "LOCK_BACKEND=local") {
		t.Error("did not expect local lock warning with memory store, got:", warnings)
	}
	if containsWarning(warnings, "MAIL_PROVIDER=log") {
		t.Error("did not expect log provider warning, got:", warnings)
	}
}

func TestLogConfigWarnings_PostgresProduction(t *testing.T) {
	warnings := captureWarnings(config.Config{
		StoreBackend:            "postgres",
		IntakeMode:              "kafka",
		LockBackend:             "redis",
		LockExpiry:              60e9,
		SendTimeout:             30e9,
		MailProvider:            "sendgrid",
		CircuitBreakerThreshold: 5,
		SweepEnabled:            true,
	})

	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got: %v", warnings)
	}
}

func TestLogConfigWarnings_MongoSweeper(t *testing.T) {
	warnings := captureWarnings(config.Config{
		StoreBackend:            "mongo",
		LockBackend:             "local",
		MailProvider:            "log",
		CircuitBreakerThreshold: 0,
		SweepEnabled:            true,
	})

	for _, want := range []string{
		"STORE_BACKEND=mongo has no leader election",
		"LOCK_BACKEND=local",
		"CIRCUIT_BREAKER_THRESHOLD=0",
		"MAIL_PROVIDER=log",
	} {
		if !containsWarning(warnings, want) {
			t.Errorf("expected warning %q, got: %v", want, warnings)
		}
	}
}
