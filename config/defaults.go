package config

import "github.com/spf13/viper"

// Default returns the built-in configuration.
func Default() *NodeConfig {
	return &NodeConfig{
		P2PPort:               8333,
		APIPort:               8332,
		KeyRotationPort:       8334,
		DataDir:               "data",
		BootstrapNodes:        []string{},
		MaxRetries:            3,
		PeerDiscoveryInterval: 60,
		SSL: SSLConfig{
			Enabled:          true,
			CertValidityDays: 365,
			CAValidityDays:   3650,
		},
		LogLevel:             "INFO",
		MaxPeers:             10,
		PeerDiscoveryEnabled: true,
		IsolationTimeout:     300,
		SyncInterval:         10,
		KeyRotationInterval:  86400,
		MiningDifficulty:     16,
	}
}

// setDefaults registers every key with viper so that environment variables
// are picked up for keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("p2p_port", d.P2PPort)
	v.SetDefault("api_port", d.APIPort)
	v.SetDefault("key_rotation_port", d.KeyRotationPort)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("bootstrap_nodes", d.BootstrapNodes)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("peer_discovery_interval", d.PeerDiscoveryInterval)
	v.SetDefault("ssl.enabled", d.SSL.Enabled)
	v.SetDefault("ssl.cert_validity_days", d.SSL.CertValidityDays)
	v.SetDefault("ssl.ca_validity_days", d.SSL.CAValidityDays)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("max_peers", d.MaxPeers)
	v.SetDefault("peer_discovery_enabled", d.PeerDiscoveryEnabled)
	v.SetDefault("isolation_timeout", d.IsolationTimeout)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("key_rotation_interval", d.KeyRotationInterval)
	v.SetDefault("mining_difficulty", d.MiningDifficulty)
	v.SetDefault("validator", d.Validator)
	v.SetDefault("wallet_passphrase", "")
}
