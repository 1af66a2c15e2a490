package config

import (
	"strings"
	"testing"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CRON_SECRET", "")
	t.Setenv("ENVIRONMENT", "")
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IsProduction() {
		t.Fatal("default environment should be development")
	}
	if cfg.JWTSecret != "dev-secret" {
		t.Errorf("jwt secret = %q", cfg.JWTSecret)
	}
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected JWT_SECRET error, got %v", err)
	}

	t.Setenv("JWT_SECRET", "an-actual-secret")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CRON_SECRET") {
		t.Fatalf("expected CRON_SECRET error, got %v", err)
	}

	t.Setenv("CRON_SECRET", "an-actual-cron-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production mode")
	}
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENCRYPTION_KEY", "too-short")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Fatalf("expected ENCRYPTION_KEY error, got %v", err)
	}
}

func TestLoadRejectsInvertedFeeRates(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STANDARD_FEE_RATE", "0.001")
	t.Setenv("PLATFORM_FEE_RATE", "0.005")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PLATFORM_FEE_RATE") {
		t.Fatalf("expected fee rate error, got %v", err)
	}
}
