package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.SigningKeyEnvVar != "SIGNING_KEY" {
		t.Errorf("SigningKeyEnvVar = %q, want %q", cfg.Auth.SigningKeyEnvVar, "SIGNING_KEY")
	}
	if cfg.Auth.SigningKeyFile != "./data/signing.key" {
		t.Errorf("SigningKeyFile = %q, want %q", cfg.Auth.SigningKeyFile, "./data/signing.key")
	}
	if cfg.Auth.AccessTTL != time.Hour {
		t.Errorf("AccessTTL = %v, want %v", cfg.Auth.AccessTTL, time.Hour)
	}
}

func TestLoadSigningKeyEnvVarOverride(t *testing.T) {
	t.Setenv("SIGNING_KEY_ENV_VAR", "VAULT_SIGNING_SEED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.SigningKeyEnvVar != "VAULT_SIGNING_SEED" {
		t.Errorf("SigningKeyEnvVar = %q, want %q", cfg.Auth.SigningKeyEnvVar, "VAULT_SIGNING_SEED")
	}
}

func TestLoadRejectsInvertedLifetimes(t *testing.T) {
	t.Setenv("ACCESS_TTL", "48h")
	t.Setenv("REFRESH_TTL", "24h")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted ACCESS_TTL > REFRESH_TTL")
	}
}
