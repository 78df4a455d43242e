package config

import (
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.MaxRetries() != DefaultMaxRetries {
		t.Errorf("MaxRetries() = %d, want %d", cfg.MaxRetries(), DefaultMaxRetries)
	}
	if cfg.BackoffBase() != DefaultBackoffBaseMs*time.Millisecond {
		t.Errorf("BackoffBase() = %v, want %v", cfg.BackoffBase(), DefaultBackoffBaseMs*time.Millisecond)
	}
	if got := len(cfg.RequiredAnnotators()); got != 4 {
		t.Errorf("RequiredAnnotators() has %d entries, want 4", got)
	}
	if !cfg.Headless() {
		t.Error("Headless() = false, want true by default")
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvRequired, "segmentation,profanity")
	t.Setenv(EnvMandatory, "segmentation")
	t.Setenv(EnvMaxRetries, "5")
	t.Setenv(EnvBackoffBase, "250")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if cfg.Port() != 9999 {
		t.Errorf("Port() = %d, want 9999", cfg.Port())
	}
	if got := cfg.RequiredAnnotators(); len(got) != 2 || got[0] != "segmentation" || got[1] != "profanity" {
		t.Errorf("RequiredAnnotators() = %v", got)
	}
	if got := cfg.MandatoryAnnotators(); len(got) != 1 || got[0] != "segmentation" {
		t.Errorf("MandatoryAnnotators() = %v", got)
	}
	if cfg.MaxRetries() != 5 {
		t.Errorf("MaxRetries() = %d, want 5", cfg.MaxRetries())
	}
	if cfg.BackoffBase() != 250*time.Millisecond {
		t.Errorf("BackoffBase() = %v, want 250ms", cfg.BackoffBase())
	}
}

func TestNew_MandatoryOutsideRequired(t *testing.T) {
	t.Setenv(EnvRequired, "segmentation")
	t.Setenv(EnvMandatory, "faces")

	if _, err := New(); err == nil {
		t.Error("New() succeeded with mandatory annotator outside required set")
	}
}

func TestNew_InvalidPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")

	if _, err := New(); err == nil {
		t.Error("New() succeeded with invalid port")
	}
}
