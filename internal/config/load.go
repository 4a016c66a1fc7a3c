package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the client's environment overrides, e.g. CHUNKXFER_TOKEN.
const EnvPrefix = "CHUNKXFER"

// Load reads a YAML file on top of Default, expanding ${VAR} references first.
// Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies CHUNKXFER_* variables over base. Unset variables leave
// the corresponding field alone.
func FromEnv(base Config) (Config, error) {
	cfg := base
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return base, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}
