package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// Config holds all agent configuration.
type Config struct {
	Username string `json:"username"` // ledger account name (self-identifier)
	APIPort  int    `json:"apiPort"`  // local control-surface port

	BandwidthLimitUp   int `json:"bandwidthLimitUp"`   // KB/s, 0 = unlimited
	BandwidthLimitDown int `json:"bandwidthLimitDown"` // KB/s, 0 = unlimited
	StorageMaxGB       int `json:"storageMaxGB"`       // local blob store cap

	ServerURL string `json:"serverUrl,omitempty"` // central-server endpoint, legacy mode
	P2PMode   bool   `json:"p2pMode"`              // true: peer discovery + validator; false: central-server mode

	ValidatorEnabled    bool  `json:"validatorEnabled"`
	ChallengeIntervalMs int64 `json:"challengeIntervalMs"`
	MinPeerReputation   int64 `json:"minPeerReputation"`

	AutoPinPopular bool    `json:"autoPinPopular"`
	AutoPinMaxGB   float64 `json:"autoPinMaxGB"`

	LedgerNodes   []string `json:"ledgerNodes,omitempty"` // ≥3 recommended for rotation
	BlockStoreURL string   `json:"blockStoreUrl"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		APIPort:             5111,
		StorageMaxGB:        50,
		P2PMode:             true,
		ValidatorEnabled:    true,
		ChallengeIntervalMs: int64(2 * 60 * 60 * 1000),
		MinPeerReputation:   25,
		AutoPinMaxGB:        5,
		BlockStoreURL:       "http://127.0.0.1:5001",
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("apiPort must be 1-65535, got %d", c.APIPort)
	}
	if c.BandwidthLimitUp < 0 || c.BandwidthLimitUp > 1_000_000 {
		return fmt.Errorf("bandwidthLimitUp must be 0-1000000, got %d", c.BandwidthLimitUp)
	}
	if c.BandwidthLimitDown < 0 || c.BandwidthLimitDown > 1_000_000 {
		return fmt.Errorf("bandwidthLimitDown must be 0-1000000, got %d", c.BandwidthLimitDown)
	}
	if c.StorageMaxGB < 0 || c.StorageMaxGB > 10_000 {
		return fmt.Errorf("storageMaxGB must be 0-10000, got %d", c.StorageMaxGB)
	}
	if !c.P2PMode && c.ServerURL == "" {
		return fmt.Errorf("serverUrl must be set when p2pMode is false")
	}
	if c.ChallengeIntervalMs < 0 {
		return fmt.Errorf("challengeIntervalMs must not be negative")
	}
	if c.MinPeerReputation < 0 {
		return fmt.Errorf("minPeerReputation must not be negative")
	}
	if c.AutoPinMaxGB < 0 {
		return fmt.Errorf("autoPinMaxGB must not be negative")
	}
	if c.P2PMode && len(c.LedgerNodes) == 0 {
		return fmt.Errorf("ledgerNodes must not be empty in p2p mode")
	}
	if c.BlockStoreURL == "" {
		return fmt.Errorf("blockStoreUrl must not be empty")
	}
	return nil
}

// Save writes the config to path as formatted JSON, holding an exclusive
// file lock for the duration so a concurrent writer (another agent process
// sharing the same dotfile directory) cannot interleave writes.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("config: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("config: timed out acquiring lock on %s", path)
	}
	defer lock.Unlock()

	return os.WriteFile(path, data, 0600)
}
