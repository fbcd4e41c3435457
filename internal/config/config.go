// Package config loads the JSON configuration file and exposes the
// on-disk paths (config dir, data dir, log file) the rest of the process
// uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the JSON-serializable settings file recognized by the gateway,
// per spec.md §6 "Config file".
type Config struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	Region     string `json:"region,omitempty"`
	AuthRegion string `json:"authRegion,omitempty"`
	APIRegion  string `json:"apiRegion,omitempty"`

	KiroVersion   string `json:"kiroVersion,omitempty"`
	SystemVersion string `json:"systemVersion,omitempty"`
	NodeVersion   string `json:"nodeVersion,omitempty"`
	MachineID     string `json:"machineId,omitempty"`

	APIKey      string `json:"apiKey"`
	AdminAPIKey string `json:"adminApiKey,omitempty"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	TLSBackend string `json:"tlsBackend,omitempty"`

	CountTokensAPIURL   string `json:"countTokensApiUrl,omitempty"`
	CountTokensAPIKey   string `json:"countTokensApiKey,omitempty"`
	CountTokensAuthType string `json:"countTokensAuthType,omitempty"`

	LoadBalancingMode string `json:"loadBalancingMode,omitempty"`
	ThinkingSuffix    string `json:"thinkingSuffix,omitempty"`

	MaxRequestBodyBytes int64 `json:"maxRequestBodyBytes,omitempty"`

	CredentialsPath string `json:"credentialsPath,omitempty"`
	StatsPath       string `json:"statsPath,omitempty"`
}

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8080
	DefaultRegion              = "us-east-1"
	DefaultTLSBackend          = "rustls"
	DefaultLoadBalancingMode   = "priority"
	DefaultThinkingSuffix      = "-thinking"
	DefaultMaxRequestBodyBytes = 400_000
)

// applyDefaults fills in zero-valued fields with their documented defaults.
func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.TLSBackend == "" {
		c.TLSBackend = DefaultTLSBackend
	}
	if c.LoadBalancingMode == "" {
		c.LoadBalancingMode = DefaultLoadBalancingMode
	}
	if c.ThinkingSuffix == "" {
		c.ThinkingSuffix = DefaultThinkingSuffix
	}
	if c.MaxRequestBodyBytes == 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.CredentialsPath == "" {
		c.CredentialsPath = "./credentials.json"
	}
	if c.StatsPath == "" {
		c.StatsPath = "./credential-stats.json"
	}
}

// Load reads and parses the config file at path, applying defaults to any
// field the file left unset. A missing file is not an error — it returns
// an all-defaults Config, matching config.LoadPreferences's tolerance of a
// not-yet-created file.
func Load(path string) (Config, error) {
	var c Config
	explicitZeroBodyCap := false

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		// An explicit "maxRequestBodyBytes": 0 disables the size check, so
		// it must survive applyDefaults instead of becoming the default.
		var keys map[string]json.RawMessage
		if json.Unmarshal(data, &keys) == nil {
			_, present := keys["maxRequestBodyBytes"]
			explicitZeroBodyCap = present && c.MaxRequestBodyBytes == 0
		}
	case os.IsNotExist(err):
		// no file yet; proceed with defaults
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyDefaults(&c)
	if explicitZeroBodyCap {
		c.MaxRequestBodyBytes = 0
	}
	return c, nil
}

// Addr returns the host:port HTTP bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxRequestBodyBytesOrUnlimited returns the configured request body cap,
// or a very large sentinel when the config disables the check (value 0).
func (c Config) MaxRequestBodyBytesOrUnlimited() int64 {
	if c.MaxRequestBodyBytes <= 0 {
		return 1 << 62
	}
	return c.MaxRequestBodyBytes
}

// configDirOverride, when non-empty, replaces the directory ConfigDir
// returns. DataDir does not consult it.
var configDirOverride string

// ConfigDir returns the directory kiroproxy looks in for its default
// config.json (the log file lives under DataDir instead), following the same
// $HOME/.config/<app>/ convention the teacher's ConfigDir used.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kiroproxy")
}

// DataDir returns ~/.local/share/kiroproxy, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "kiroproxy")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
