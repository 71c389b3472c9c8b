// Package config loads the YAML configuration for the quoting agent.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment reports the deployment environment from QUOTEBOT_ENV,
// normalised to "dev", "staging" or "prod". Unset means dev; anything
// unrecognised is passed through so it at least shows up in logs.
func Environment() string {
	switch env := strings.ToLower(strings.TrimSpace(os.Getenv("QUOTEBOT_ENV"))); env {
	case "", "dev", "development":
		return "dev"
	case "stage", "staging":
		return "staging"
	case "prod", "production":
		return "prod"
	default:
		return env
	}
}

// isLive reports whether an environment trades against real money and so
// must fail hard on incomplete gate credentials.
func isLive(env string) bool {
	return env == "prod" || env == "staging"
}

type Config struct {
	Quotebot QuotebotConfig `yaml:"quotebot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Book     BookConfig     `yaml:"book"`
	Gate     GateConfig     `yaml:"gate"`
	Robot    RobotConfig    `yaml:"robot"`
}

type QuotebotConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Cloudwatch CloudwatchConfig `yaml:"cloudwatch"`
	ReportSecs int              `yaml:"report_interval_seconds"`
}

type CloudwatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type BookConfig struct {
	// Endpoint is the WebSocket URI of the public market data feed.
	Endpoint string `yaml:"endpoint"`
}

type GateConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Login        uint32 `yaml:"login"`
	Account      int64  `yaml:"account"`
	FirstRequest uint64 `yaml:"first_request"`
}

type RobotConfig struct {
	Instrument      int32 `yaml:"instrument"`
	QuoteVolume     int32 `yaml:"quote_volume"`
	InitialPosition int32 `yaml:"initial_position"`
	MaxPosition     int32 `yaml:"max_position"`
	// Interest, Shift and PriceIncrement are decimals; the engine consumes
	// them scaled by 10^9.
	Interest       float64 `yaml:"interest"`
	Shift          float64 `yaml:"shift"`
	PriceIncrement float64 `yaml:"price_increment"`
	FloodLimit     int32   `yaml:"flood_limit"`
}

// InterestScaled returns the interest parameter as a 10^9 fixed-point value.
func (r RobotConfig) InterestScaled() int64 {
	return int64(math.Round(r.Interest * 1e9))
}

// ShiftScaled returns the shift parameter as a 10^9 fixed-point value.
func (r RobotConfig) ShiftScaled() int64 {
	return int64(math.Round(r.Shift * 1e9))
}

// IncrementScaled returns the price increment as a 10^9 fixed-point value.
func (r RobotConfig) IncrementScaled() int64 {
	return int64(math.Round(r.PriceIncrement * 1e9))
}

// GateAddress returns the trading gate endpoint in host:port form.
func (g GateConfig) GateAddress() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse YAML: %w", err)
	}

	if cfg.Metrics.ReportSecs <= 0 {
		cfg.Metrics.ReportSecs = 30
	}
	if cfg.Gate.FirstRequest == 0 {
		cfg.Gate.FirstRequest = 1
	}
	if cfg.Robot.FloodLimit == 0 {
		cfg.Robot.FloodLimit = 100
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Book.Endpoint == "" {
		return fmt.Errorf("book.endpoint is required")
	}
	if c.Gate.Host == "" || c.Gate.Port <= 0 {
		return fmt.Errorf("gate.host and gate.port are required")
	}
	if c.Robot.QuoteVolume <= 0 {
		return fmt.Errorf("robot.quote_volume must be positive")
	}
	if c.Robot.MaxPosition <= 0 {
		return fmt.Errorf("robot.max_position must be positive")
	}
	if c.Robot.PriceIncrement <= 0 {
		return fmt.Errorf("robot.price_increment must be positive")
	}
	if c.Robot.FloodLimit < 2 {
		return fmt.Errorf("robot.flood_limit must be at least 2")
	}
	if p := c.Robot.InitialPosition; p > c.Robot.MaxPosition || p < -c.Robot.MaxPosition {
		return fmt.Errorf("robot.initial_position outside position bounds")
	}
	if env := Environment(); isLive(env) && (c.Gate.Login == 0 || c.Gate.Account == 0) {
		return fmt.Errorf("gate.login and gate.account are required in %s", env)
	}
	return nil
}
