package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":3001" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.EventRateMax != 100 || cfg.EventRateWindow != 10*time.Second {
		t.Errorf("event limits = %d / %s", cfg.EventRateMax, cfg.EventRateWindow)
	}
	if cfg.JoinRequestTTL != 5*time.Minute {
		t.Errorf("JoinRequestTTL = %s", cfg.JoinRequestTTL)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("logging = %s / %s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CLOAKROOM_ADDR", ":9000")
	t.Setenv("CLOAKROOM_EVENT_RATE_MAX", "7")
	t.Setenv("CLOAKROOM_EVENT_RATE_WINDOW", "3s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.EventRateMax != 7 || cfg.EventRateWindow != 3*time.Second || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		errSub string
	}{
		{"zero max connections", map[string]string{"CLOAKROOM_MAX_CONNECTIONS": "0"}, "MAX_CONNECTIONS"},
		{"zero rate max", map[string]string{"CLOAKROOM_EVENT_RATE_MAX": "0"}, "EVENT_RATE_MAX"},
		{"negative window", map[string]string{"CLOAKROOM_EVENT_RATE_WINDOW": "-1s"}, "EVENT_RATE_WINDOW"},
		{"zero flood burst", map[string]string{"CLOAKROOM_FLOOD_BURST": "0"}, "FLOOD_BURST"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"production without secret", map[string]string{"ENVIRONMENT": "production"}, "TOKEN_SECRET"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Fatalf("err = %v, want mention of %s", err, tc.errSub)
			}
		})
	}
}
