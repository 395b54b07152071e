package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.PauseMode != "advisory" || cfg.TicketNumbering != "office" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockTimeout != 2*time.Second || cfg.IssueRetry != 3*time.Second {
		t.Fatalf("unexpected timeouts: lock=%v retry=%v", cfg.LockTimeout, cfg.IssueRetry)
	}
	if cfg.Location == nil || cfg.Location.String() != "Asia/Kolkata" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
	if cfg.ReconcileInterval != 15*time.Second || cfg.HolderPassTTL != 24*time.Hour {
		t.Fatalf("unexpected intervals: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PAUSE_MODE", "Block")
	t.Setenv("TICKET_NUMBERING", "department")
	t.Setenv("LOCK_TIMEOUT_MS", "250")
	t.Setenv("OFFICE_TIMEZONE", "UTC")
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PauseMode != "block" || cfg.TicketNumbering != "department" {
		t.Fatalf("unexpected modes: %s %s", cfg.PauseMode, cfg.TicketNumbering)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected lock timeout: %v", cfg.LockTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PAUSE_MODE":       "sometimes",
		"TICKET_NUMBERING": "counter",
		"OFFICE_TIMEZONE":  "Mars/Olympus",
		"LOCK_TIMEOUT_MS":  "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := load(viper.New()); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}
