package cli

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the operator's local configuration.
type Config struct {
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Output    string `mapstructure:"output" yaml:"output,omitempty"`
	Timeout   string `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

func defaults() *Config {
	return &Config{
		ServerURL: "http://localhost:3002",
		Output:    "table",
		Timeout:   "30s",
	}
}

// RequestTimeout parses Timeout, falling back to 30s.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DiscoverPath returns the config file to use: the flag, then
// AGENTBILLING_CONFIG, then ~/.agentbilling/config.yaml.
func DiscoverPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("AGENTBILLING_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentbilling", "config.yaml")
	}
	return filepath.Join(home, ".agentbilling", "config.yaml")
}

// LoadConfig reads path, if it exists, and overlays AGENTBILLING_*
// environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"server_url", "api_key", "output", "timeout"} {
		_ = v.BindEnv(key)
	}

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	d := defaults()
	if cfg.ServerURL == "" {
		cfg.ServerURL = d.ServerURL
	}
	if cfg.Output == "" {
		cfg.Output = d.Output
	}
	if cfg.Timeout == "" {
		cfg.Timeout = d.Timeout
	}
	return cfg, nil
}

// readFile loads only the file, without environment overrides, so that
// "config set" never persists values that came from the environment.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path with owner-only permissions; it may hold
// the admin key.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
