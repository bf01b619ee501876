package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Discord        DiscordConfig        `yaml:"discord"`
	Auction        AuctionConfig        `yaml:"auction"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// BaseURL is the externally reachable address clients use to join, for
	// building invite links.
	BaseURL string `yaml:"base_url"`
	// AdminToken guards the auction management API. Empty disables the API.
	AdminToken string `yaml:"admin_token"`
	// AllowedOrigins limits browser websocket connections. Empty or "*"
	// allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// DiscordConfig holds Discord invite settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// AuctionConfig holds the draft rules applied to every auction.
type AuctionConfig struct {
	// TimerDuration is the countdown in seconds granted per user, restarted
	// on every accepted bid.
	TimerDuration int `yaml:"timer_duration"`
	// WaitingTTL is how long an auction may sit waiting for its leaders
	// before it is torn down.
	WaitingTTL time.Duration `yaml:"waiting_ttl"`
	// TerminateGrace is the delay between completion and closing all
	// connections.
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	// MaxTeamSize bounds a team roster, leader included.
	MaxTeamSize int `yaml:"max_team_size"`
	// MinBidIncrement is the amount by which a bid must exceed the current
	// one.
	MinBidIncrement int `yaml:"min_bid_increment"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			BaseURL:         "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Auction: AuctionConfig{
			TimerDuration:   5,
			WaitingTTL:      5 * time.Minute,
			TerminateGrace:  5 * time.Second,
			MaxTeamSize:     5,
			MinBidIncrement: 1,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.Auction.TimerDuration <= 0 {
		return fmt.Errorf("auction timer_duration must be positive, got %d", c.Auction.TimerDuration)
	}
	if c.Auction.MaxTeamSize < 2 {
		return fmt.Errorf("auction max_team_size must be at least 2, got %d", c.Auction.MaxTeamSize)
	}
	if c.Auction.MinBidIncrement <= 0 {
		return fmt.Errorf("auction min_bid_increment must be positive, got %d", c.Auction.MinBidIncrement)
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord enabled without a token")
	}
	return nil
}
