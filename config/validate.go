package config

import "fmt"

// Validate checks the config for operator mistakes. Bootstrap entries are not
// checked here; they are parsed leniently at startup.
func Validate(cfg *NodeConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	seen := make(map[int]PortName, len(PortNames))
	for _, name := range PortNames {
		port := cfg.Port(name)
		if port < MinPort || port > MaxPort {
			return &ConfigError{
				Field: string(name),
				Value: fmt.Sprint(port),
				Msg:   fmt.Sprintf("must be in range [%d, %d]", MinPort, MaxPort),
			}
		}
		if other, dup := seen[port]; dup {
			return &ConfigError{
				Field: string(name),
				Value: fmt.Sprint(port),
				Msg:   fmt.Sprintf("already used by %s", other),
			}
		}
		seen[port] = name
	}

	if cfg.DataDir == "" {
		return &ConfigError{Field: "data_dir", Msg: "must not be empty"}
	}
	if cfg.MaxRetries < 0 {
		return &ConfigError{Field: "max_retries", Value: fmt.Sprint(cfg.MaxRetries), Msg: "must not be negative"}
	}
	if cfg.SSL.Enabled {
		if cfg.SSL.CertValidityDays <= 0 {
			return &ConfigError{Field: "ssl.cert_validity_days", Value: fmt.Sprint(cfg.SSL.CertValidityDays), Msg: "must be positive"}
		}
		if cfg.SSL.CAValidityDays < cfg.SSL.CertValidityDays {
			return &ConfigError{Field: "ssl.ca_validity_days", Value: fmt.Sprint(cfg.SSL.CAValidityDays), Msg: "must cover cert_validity_days"}
		}
	}
	if cfg.MiningDifficulty < 0 || cfg.MiningDifficulty > 32 {
		return &ConfigError{Field: "mining_difficulty", Value: fmt.Sprint(cfg.MiningDifficulty), Msg: "must be in range [0, 32]"}
	}
	return nil
}
