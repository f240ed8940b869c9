package postgres

import (
	"context"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.Enabled() {
		t.Fatalf("Enabled()=true without ANIMUS_TRAIN_DATABASE_URL")
	}
}

func TestConfigValidateIdleAboveOpen(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error")
	}
}

func TestOpenRequiresURL(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("Open() expected error without url")
	}
}
