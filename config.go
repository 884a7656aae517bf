package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"cardpool/cardreader"
	"cardpool/controlpad"
	"cardpool/db"
	"cardpool/eventpipe"
	"cardpool/indicator"
	"cardpool/lending"
	"cardpool/mqtt"
	"cardpool/reader"
)

// Config is the main configuration structure for cardpool.
type Config struct {
	// Card reader selection
	Reader ReaderConfig `yaml:"reader"`

	// Card access service timings
	CardReader cardreader.Config `yaml:"cardreader"`

	// Tap sequencer windows
	Lending lending.Config `yaml:"lending"`

	// Ledger database
	DB db.Config `yaml:"db"`

	// MQTT connection settings
	MQTT mqtt.Config `yaml:"mqtt"`

	// Indicator configuration
	Indicator indicator.Config `yaml:"indicator"`

	// Staff badge reader (optional)
	StaffReader reader.Config `yaml:"staff_reader"`

	// Cancel button (optional)
	ControlPad controlpad.Config `yaml:"controlpad"`

	// Dev harness pipe, synthetic reader only
	EventPipe eventpipe.Config `yaml:"event_pipe"`

	// General settings
	ClientID     string `yaml:"client_id"`
	RosterFile   string `yaml:"roster_file"`
	StationsFile string `yaml:"stations_file"`
	LogLevel     string `yaml:"log_level"`
}

// ReaderConfig picks the card reader implementation.
type ReaderConfig struct {
	Type string `yaml:"type"` // "pcsc" (default) or "synthetic"
	Name string `yaml:"name"` // substring of the PC/SC reader name
}

// Synthetic reports whether the in-process reader is selected.
func (r ReaderConfig) Synthetic() bool {
	return r.Type == "synthetic"
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	switch cfg.Reader.Type {
	case "", "pcsc", "synthetic":
	default:
		return nil, fmt.Errorf("reader.type %q: want pcsc or synthetic", cfg.Reader.Type)
	}
	if cfg.Reader.Name != "" && cfg.CardReader.Reader == "" {
		cfg.CardReader.Reader = cfg.Reader.Name
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id missing in config file")
	}
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
