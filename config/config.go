// Package config loads and validates the committee, parameters and local
// settings an authority needs to join a TolBFT epoch.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLSConfig holds paths to the PEM files needed for mTLS between authorities.
// When nil or all paths empty, the authority falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// AuthorityConfig describes one member of the committee as it appears in
// the on-disk config: its protocol public key, its stake weight, and the
// network address peers dial to reach it.
type AuthorityConfig struct {
	ProtocolKey string `json:"protocol_key"` // hex-encoded ed25519 public key
	Address     string `json:"address"`      // host:port for the consensus transport
	Weight      uint64 `json:"weight"`       // voting weight; 0 defaults to 1
}

// GenesisConfig names the epoch the committee is running.
type GenesisConfig struct {
	ChainID string `json:"chain_id"`
	Epoch   uint64 `json:"epoch"`
}

// Parameters holds the core-relevant tunables named in spec.md §6.
type Parameters struct {
	MaxForwardTimeDriftMS int `json:"max_forward_time_drift_ms"` // 0 → DefaultParameters value
	LeaderTimeoutMS       int `json:"leader_timeout_ms"`
	FetchBatchMax         int `json:"fetch_batch_max"`
	CommitChannelCapacity int `json:"commit_channel_capacity"`
	MaxBlockTxs           int `json:"max_block_txs"`
}

// MaxForwardTimeDrift returns the configured drift as a Duration.
func (p Parameters) MaxForwardTimeDrift() time.Duration {
	return time.Duration(p.MaxForwardTimeDriftMS) * time.Millisecond
}

// LeaderTimeout returns the configured leader deadline as a Duration.
func (p Parameters) LeaderTimeout() time.Duration {
	return time.Duration(p.LeaderTimeoutMS) * time.Millisecond
}

// DefaultParameters returns the recommended production defaults.
func DefaultParameters() Parameters {
	return Parameters{
		MaxForwardTimeDriftMS: 500,
		LeaderTimeoutMS:       2000,
		FetchBatchMax:         200,
		CommitChannelCapacity: 256,
		MaxBlockTxs:           500,
	}
}

// withDefaults fills zero fields with DefaultParameters' values.
func (p Parameters) withDefaults() Parameters {
	d := DefaultParameters()
	if p.MaxForwardTimeDriftMS <= 0 {
		p.MaxForwardTimeDriftMS = d.MaxForwardTimeDriftMS
	}
	if p.LeaderTimeoutMS <= 0 {
		p.LeaderTimeoutMS = d.LeaderTimeoutMS
	}
	if p.FetchBatchMax <= 0 {
		p.FetchBatchMax = d.FetchBatchMax
	}
	if p.CommitChannelCapacity <= 0 {
		p.CommitChannelCapacity = d.CommitChannelCapacity
	}
	if p.MaxBlockTxs <= 0 {
		p.MaxBlockTxs = d.MaxBlockTxs
	}
	return p
}

// Config holds all authority configuration.
type Config struct {
	NodeID       string            `json:"node_id"`
	DataDir      string            `json:"data_dir"`
	RPCPort      int               `json:"rpc_port"`
	P2PPort      int               `json:"p2p_port"`
	OwnIndex     int               `json:"own_index"` // this authority's position in Authorities
	Authorities  []AuthorityConfig `json:"authorities"`
	Genesis      GenesisConfig     `json:"genesis"`
	Parameters   Parameters        `json:"parameters"`
	TLS          *TLSConfig        `json:"tls,omitempty"`
	RPCAuthToken string            `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-authority development configuration.
// It has no Authorities set; callers must populate at least one before
// the config will validate.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "authority0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Genesis: GenesisConfig{
			ChainID: "tolbft-dev",
			Epoch:   0,
		},
		Parameters: DefaultParameters(),
	}
}

// Load reads a JSON config file from path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Parameters = cfg.Parameters.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Authorities) == 0 {
		return fmt.Errorf("authorities list must not be empty")
	}
	if c.OwnIndex < 0 || c.OwnIndex >= len(c.Authorities) {
		return fmt.Errorf("own_index %d out of range [0,%d)", c.OwnIndex, len(c.Authorities))
	}
	for i, a := range c.Authorities {
		b, err := hex.DecodeString(a.ProtocolKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("authorities[%d]: protocol_key must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, a.ProtocolKey)
		}
		if a.Address == "" {
			return fmt.Errorf("authorities[%d]: address must not be empty", i)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
