package config

import (
	"os"
	"strings"
	"testing"
)

// writeTempConfig creates a configuration file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const validConfig = `quotebot:
  name: "TestBot"
  version: "1.0"
book:
  endpoint: "wss://example.test/ws"
gate:
  host: "gate.example.test"
  port: 12345
  login: 7
  account: 11
  first_request: 42
robot:
  instrument: 2
  quote_volume: 10
  initial_position: 0
  max_position: 50
  interest: 0.5
  shift: 0.25
  price_increment: 1.0
  flood_limit: 100
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, validConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quotebot.Name != "TestBot" {
		t.Errorf("unexpected name: %s", cfg.Quotebot.Name)
	}
	if cfg.Gate.GateAddress() != "gate.example.test:12345" {
		t.Errorf("unexpected gate address: %s", cfg.Gate.GateAddress())
	}
	if cfg.Gate.FirstRequest != 42 {
		t.Errorf("unexpected first request: %d", cfg.Gate.FirstRequest)
	}
	if cfg.Metrics.ReportSecs != 30 {
		t.Errorf("report interval default not applied: %d", cfg.Metrics.ReportSecs)
	}
}

func TestScaledParameters(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Robot.InterestScaled(); got != 500_000_000 {
		t.Errorf("InterestScaled = %d, want 500000000", got)
	}
	if got := cfg.Robot.ShiftScaled(); got != 250_000_000 {
		t.Errorf("ShiftScaled = %d, want 250000000", got)
	}
	if got := cfg.Robot.IncrementScaled(); got != 1_000_000_000 {
		t.Errorf("IncrementScaled = %d, want 1000000000", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/quotebot.yml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		old  string
		new  string
	}{
		{"missing endpoint", `endpoint: "wss://example.test/ws"`, `endpoint: ""`},
		{"zero volume", "quote_volume: 10", "quote_volume: 0"},
		{"zero increment", "price_increment: 1.0", "price_increment: 0"},
		{"tiny flood limit", "flood_limit: 100", "flood_limit: 1"},
		{"position outside bounds", "initial_position: 0", "initial_position: 60"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !strings.Contains(validConfig, tc.old) {
				t.Fatalf("pattern %q not in config", tc.old)
			}
			content := strings.Replace(validConfig, tc.old, tc.new, 1)
			path := writeTempConfig(t, content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
