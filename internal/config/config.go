// Package config loads the immutable process configuration. Scan rule
// state (denylists, suspicious keywords, known-bad certificates) is part
// of this configuration and is injected into components at construction,
// never read from ambient globals.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Loaded once at start and
// treated as read-only afterwards.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Archive ArchiveConfig `yaml:"archive"`
	Scan    ScanConfig    `yaml:"scan"`
	Alert   AlertConfig   `yaml:"alert"`
	Trust   TrustConfig   `yaml:"trust"`
}

// ArchiveConfig bounds and classifies untrusted archive input.
type ArchiveConfig struct {
	MaxPackageBytes      int64    `yaml:"max_package_bytes"`
	MaxEntries           int      `yaml:"max_entries"`
	MaxUncompressedBytes int64    `yaml:"max_uncompressed_bytes"`
	DeniedSuffixes       []string `yaml:"denied_suffixes"`
	JunkNames            []string `yaml:"junk_names"`
	IconCandidates       []string `yaml:"icon_candidates"`
	ScreenshotLimit      int      `yaml:"screenshot_limit"`
}

// ScanConfig drives the orchestrator and engine adapters.
type ScanConfig struct {
	EngineTimeout       time.Duration `yaml:"engine_timeout"`
	Workers             int           `yaml:"workers"`
	QueueDepth          int           `yaml:"queue_depth"`
	JobRetries          int           `yaml:"job_retries"`
	MinEnginesResponded int           `yaml:"min_engines_responded"`
	ReputationURL       string        `yaml:"reputation_url"`
	RulesDir            string        `yaml:"rules_dir"`
	ThreatFeed          string        `yaml:"threat_feed"`
	SuspiciousKeywords  []string      `yaml:"suspicious_keywords"`
	PermissionThreshold int           `yaml:"permission_threshold"`
	BadCertHashes       []string      `yaml:"bad_cert_hashes"`
}

// AlertConfig configures the admin alerting boundary.
type AlertConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TrustConfig configures publisher signature verification.
type TrustConfig struct {
	KeyringPath string `yaml:"keyring_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: ":8420",
		DataDir:    "data",
		Archive: ArchiveConfig{
			MaxPackageBytes:      64 * 1024 * 1024,
			MaxEntries:           512,
			MaxUncompressedBytes: 256 * 1024 * 1024,
			DeniedSuffixes: []string{
				".exe", ".dll", ".scr", ".com", ".pif", ".msi",
				".bat", ".cmd", ".vbs", ".ps1",
			},
			JunkNames: []string{".ds_store", "thumbs.db", "desktop.ini"},
			IconCandidates: []string{
				"icon.png", "icon.svg", "assets/icon.png",
				"assets/icon.svg", "resources/icon.png",
			},
			ScreenshotLimit: 5,
		},
		Scan: ScanConfig{
			EngineTimeout:       15 * time.Second,
			Workers:             2,
			QueueDepth:          64,
			JobRetries:          2,
			MinEnginesResponded: 1,
			SuspiciousKeywords: []string{
				"keylog", "stealer", "miner", "backdoor", "inject",
				"crack", "payload", "dropper", "rootkit",
			},
			PermissionThreshold: 10,
		},
		Alert: AlertConfig{Timeout: 10 * time.Second},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Archive.MaxEntries <= 0 {
		return fmt.Errorf("archive.max_entries must be positive")
	}
	if c.Archive.MaxUncompressedBytes <= 0 {
		return fmt.Errorf("archive.max_uncompressed_bytes must be positive")
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be positive")
	}
	if c.Scan.EngineTimeout <= 0 {
		return fmt.Errorf("scan.engine_timeout must be positive")
	}
	if c.Scan.MinEnginesResponded < 0 {
		return fmt.Errorf("scan.min_engines_responded must not be negative")
	}
	return nil
}
