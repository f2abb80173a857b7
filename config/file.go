package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Klingon-tech/orignode/internal/log"
)

// EnvPrefix prefixes environment overrides, e.g. ORIGNODE_API_PORT.
const EnvPrefix = "ORIGNODE"

// Load reads the config file at path. A missing file is created with the
// defaults. Precedence, highest first: environment, file, defaults.
func Load(path string) (*NodeConfig, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Save(Default(), path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		log.Config.Info().Str("path", path).Msg("Created default config file")
	}

	cfg := &NodeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BootstrapNodes == nil {
		cfg.BootstrapNodes = []string{}
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the whole configuration to path.
func Save(cfg *NodeConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// PersistPorts writes the named ports of cfg into its config file. Every
// other key, including ports that were not named, keeps its on-disk value, so
// environment or flag overrides of those never leak into the file.
func PersistPorts(cfg *NodeConfig, names ...PortName) error {
	path := cfg.Path()
	if path == "" {
		return errors.New("config has no backing file")
	}
	if len(names) == 0 {
		return nil
	}

	raw := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data, err = json.Marshal(Default())
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, name := range names {
		raw[string(name)] = cfg.Port(name)
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeAtomic(path, append(out, '\n')); err != nil {
		return err
	}
	log.Config.Info().Str("path", path).Msg("Persisted negotiated ports")
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
