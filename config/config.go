// Package config holds the node configuration: the JSON file, its defaults,
// command-line overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "network_config.json"

// Port range accepted for every listening port and bootstrap entry.
const (
	MinPort = 1024
	MaxPort = 65535
)

// PortName identifies one of the negotiable ports. The value is the JSON key.
type PortName string

const (
	P2PPort         PortName = "p2p_port"
	APIPort         PortName = "api_port"
	KeyRotationPort PortName = "key_rotation_port"
)

// PortNames lists the negotiable ports in negotiation order.
var PortNames = []PortName{P2PPort, APIPort, KeyRotationPort}

// ErrPortsFrozen is returned by SetPort once the node is running.
var ErrPortsFrozen = errors.New("port fields are frozen while the node is running")

// SSLConfig controls TLS on the HTTP API.
type SSLConfig struct {
	Enabled          bool `mapstructure:"enabled" json:"enabled"`
	CertValidityDays int  `mapstructure:"cert_validity_days" json:"cert_validity_days"`
	CAValidityDays   int  `mapstructure:"ca_validity_days" json:"ca_validity_days"`
}

// NodeConfig is the node configuration file.
type NodeConfig struct {
	P2PPort               int       `mapstructure:"p2p_port" json:"p2p_port"`
	APIPort               int       `mapstructure:"api_port" json:"api_port"`
	KeyRotationPort       int       `mapstructure:"key_rotation_port" json:"key_rotation_port"`
	DataDir               string    `mapstructure:"data_dir" json:"data_dir"`
	BootstrapNodes        []string  `mapstructure:"bootstrap_nodes" json:"bootstrap_nodes"`
	MaxRetries            int       `mapstructure:"max_retries" json:"max_retries"`
	PeerDiscoveryInterval int       `mapstructure:"peer_discovery_interval" json:"peer_discovery_interval"`
	SSL                   SSLConfig `mapstructure:"ssl" json:"ssl"`

	LogLevel             string `mapstructure:"log_level" json:"log_level"`
	MaxPeers             int    `mapstructure:"max_peers" json:"max_peers"`
	PeerDiscoveryEnabled bool   `mapstructure:"peer_discovery_enabled" json:"peer_discovery_enabled"`
	IsolationTimeout     int    `mapstructure:"isolation_timeout" json:"isolation_timeout"`
	SyncInterval         int    `mapstructure:"sync_interval" json:"sync_interval"`
	KeyRotationInterval  int    `mapstructure:"key_rotation_interval" json:"key_rotation_interval"`
	MiningDifficulty     int    `mapstructure:"mining_difficulty" json:"mining_difficulty"`
	Validator            bool   `mapstructure:"validator" json:"validator"`

	// WalletPassphrase is normally supplied through ORIGNODE_WALLET_PASSPHRASE.
	WalletPassphrase string `mapstructure:"wallet_passphrase" json:"-"`

	path   string
	mu     sync.Mutex
	frozen bool
}

// Path returns the file the config was loaded from.
func (c *NodeConfig) Path() string {
	return c.path
}

// Port returns the value of a negotiable port.
func (c *NodeConfig) Port(name PortName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case P2PPort:
		return c.P2PPort
	case APIPort:
		return c.APIPort
	case KeyRotationPort:
		return c.KeyRotationPort
	}
	return 0
}

// SetPort changes a negotiable port. It fails after FreezePorts.
func (c *NodeConfig) SetPort(name PortName, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrPortsFrozen
	}
	switch name {
	case P2PPort:
		c.P2PPort = port
	case APIPort:
		c.APIPort = port
	case KeyRotationPort:
		c.KeyRotationPort = port
	default:
		return fmt.Errorf("unknown port %q", name)
	}
	return nil
}

// Ports returns all negotiable ports keyed by name.
func (c *NodeConfig) Ports() map[PortName]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[PortName]int{
		P2PPort:         c.P2PPort,
		APIPort:         c.APIPort,
		KeyRotationPort: c.KeyRotationPort,
	}
}

// FreezePorts makes the port fields immutable.
func (c *NodeConfig) FreezePorts() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// SyncEvery returns the background sync period.
func (c *NodeConfig) SyncEvery() time.Duration {
	return seconds(c.SyncInterval, 10)
}

// DiscoveryEvery returns the peer discovery period.
func (c *NodeConfig) DiscoveryEvery() time.Duration {
	return seconds(c.PeerDiscoveryInterval, 60)
}

// IsolationAfter returns how long the node may go without peers before it
// logs itself as isolated.
func (c *NodeConfig) IsolationAfter() time.Duration {
	return seconds(c.IsolationTimeout, 300)
}

// RotationEvery returns the key rotation period.
func (c *NodeConfig) RotationEvery() time.Duration {
	return seconds(c.KeyRotationInterval, 86400)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// Directory layout under DataDir.
func (c *NodeConfig) ChainDir() string     { return filepath.Join(c.DataDir, "chain") }
func (c *NodeConfig) CertsDir() string     { return filepath.Join(c.DataDir, "certs") }
func (c *NodeConfig) BackupDir() string    { return filepath.Join(c.DataDir, "key_backups") }
func (c *NodeConfig) PIDFile() string      { return filepath.Join(c.DataDir, "node.pid") }
func (c *NodeConfig) IdentityFile() string { return filepath.Join(c.DataDir, "node.key") }
func (c *NodeConfig) LogFile() string      { return filepath.Join(c.DataDir, "node.log") }

// EnsureDataDirs creates the data directory tree.
func (c *NodeConfig) EnsureDataDirs() error {
	for _, dir := range []string{c.DataDir, c.ChainDir(), c.CertsDir(), c.BackupDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
