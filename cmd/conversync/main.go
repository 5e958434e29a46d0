package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.conversync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"`
}

// ConfigCache holds local persistence settings.
type ConfigCache struct {
	Path string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.conversync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".conversync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKey describes one settable field of the config file.
type configKey struct {
	describe string
	get      func(*Config) string
	set      func(*Config, string)
}

// configKeys enumerates every field 'config set' accepts, in dot notation
// matching the TOML sections above.
var configKeys = map[string]configKey{
	"default.token": {
		describe: "session token used for API calls and the event channel",
		get:      func(c *Config) string { return c.Default.Token },
		set:      func(c *Config, v string) { c.Default.Token = v },
	},
	"default.base_url": {
		describe: "REST and event-channel base URL",
		get:      func(c *Config) string { return c.Default.BaseURL },
		set:      func(c *Config, v string) { c.Default.BaseURL = v },
	},
	"cache.path": {
		describe: "location of the local cache database",
		get:      func(c *Config) string { return c.Cache.Path },
		set:      func(c *Config, v string) { c.Cache.Path = v },
	},
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for name := range configKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	entry, ok := configKeys[key]
	if !ok {
		return fmt.Errorf("unknown key %q (valid keys: %s)", key, strings.Join(configKeyNames(), ", "))
	}
	entry.set(cfg, value)
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "conversync",
	Short: "Conversync support-chat CLI",
	Long:  "Command-line interface for the Conversync conversation engine.\nList conversations, read and send messages, and follow the live event channel.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
