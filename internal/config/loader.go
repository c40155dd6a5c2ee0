package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the project's config file and wires the
// PROCSI_* environment variables. An explicit configFile wins; otherwise
// procsi.yaml/.yml is searched in the project root and its .procsi
// directory. A missing file is not an error.
func InitViper(projectRoot, configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(projectRoot); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found: leave name/type set so ReadInConfig returns
		// ConfigFileNotFoundError, which callers treat as defaults.
		viper.SetConfigName("procsi")
		viper.SetConfigType("yaml")
	}

	// PROCSI_LOG_LEVEL overrides log_level, PROCSI_PROXY_PREFERRED_PORT
	// overrides proxy.preferred_port, and so on.
	viper.SetEnvPrefix("PROCSI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindNestedEnvKeys()
}

// ResolveProjectRoot honours PROJECT_ROOT, falling back to the working
// directory. The result is always absolute.
func ResolveProjectRoot() (string, error) {
	if root := os.Getenv("PROJECT_ROOT"); root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve PROJECT_ROOT: %w", err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return cwd, nil
}

func findConfigFile(projectRoot string) string {
	dirs := []string{projectRoot, filepath.Join(projectRoot, ".procsi")}
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "procsi"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys registers every nested key so AutomaticEnv picks it
// up even when the config file never mentions it.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")

	_ = viper.BindEnv("proxy.preferred_port")
	_ = viper.BindEnv("proxy.max_body_size")
	_ = viper.BindEnv("proxy.upstream_timeout")
	_ = viper.BindEnv("proxy.cert_ttl")
	// proxy.bypass_list is an array; use the config file for it.

	_ = viper.BindEnv("ca.organization")
	_ = viper.BindEnv("ca.validity_years")

	_ = viper.BindEnv("store.max_requests")

	_ = viper.BindEnv("interceptors.match_timeout")
	_ = viper.BindEnv("interceptors.handler_timeout")

	_ = viper.BindEnv("events.capacity")

	_ = viper.BindEnv("tracing.enabled")
}

// Load reads the config, applies defaults, and validates. projectRoot
// is stamped onto the result.
func Load(projectRoot string) (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ProjectRoot = projectRoot
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed reports which file Load read, empty when running on
// defaults and environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
