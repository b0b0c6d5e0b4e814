/*
File Name:  config.go
Package:    config

YAML-driven configuration: an embedded default file, Load reading the
configured file or falling back to that default, and log redirection
via the standard log package.
*/
package config

import (
	_ "embed" // for the embedded default config
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mimir-im/mimir/types"
)

//go:embed "config.default.yaml"
var defaultConfig []byte

// MediatorSeed is one configured mediator entry.
type MediatorSeed struct {
	PublicKey string   `yaml:"PublicKey"` // 64-char lower-case hex
	Address   []string `yaml:"Address"`
}

// TrackerSeed is one configured tracker (directory) entry.
type TrackerSeed struct {
	PublicKey string `yaml:"PublicKey"`
}

// Config is the on-disk configuration shape.
type Config struct {
	LogFile string `yaml:"LogFile"`

	PrivateKey string `yaml:"PrivateKey"` // hex-encoded Ed25519 seed

	AttachmentsDir string `yaml:"AttachmentsDir"`
	CacheFile      string `yaml:"CacheFile"` // pogreb address cache path

	Trackers  []TrackerSeed  `yaml:"Trackers"`
	Mediators []MediatorSeed `yaml:"Mediators"`

	ClientID uint32 `yaml:"ClientID"`
}

// Load reads filename as YAML configuration. If the file does not exist
// or is empty, the embedded default is used instead.
func Load(filename string) (*Config, error) {
	var data []byte

	stat, err := os.Stat(filename)
	switch {
	case err != nil && os.IsNotExist(err):
		data = defaultConfig
	case err != nil:
		return nil, fmt.Errorf("config: stat %q: %w", filename, err)
	case stat.Size() == 0:
		data = defaultConfig
	default:
		if data, err = os.ReadFile(filename); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", filename, err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", filename, err)
	}
	return &cfg, nil
}

// Save writes cfg back to filename as YAML.
func Save(filename string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// TrackerKeys parses the configured tracker public keys.
func (c *Config) TrackerKeys() ([]types.PeerKey, error) {
	keys := make([]types.PeerKey, 0, len(c.Trackers))
	for _, t := range c.Trackers {
		k, err := types.ParsePeerKey(t.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: tracker public key %q: %w", t.PublicKey, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// MediatorKeys parses the configured mediator public keys.
func (c *Config) MediatorKeys() ([]types.PeerKey, error) {
	keys := make([]types.PeerKey, 0, len(c.Mediators))
	for _, m := range c.Mediators {
		k, err := types.ParsePeerKey(m.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: mediator public key %q: %w", m.PublicKey, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// InitLog redirects subsequent log output to cfg.LogFile.
func InitLog(cfg *Config) error {
	if cfg.LogFile == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("config: open log file %q: %w", cfg.LogFile, err)
	}
	log.SetOutput(f)
	return nil
}
