package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost       = "api.openai.com"
	DefaultPort       = 443
	DefaultPath       = "/v1/chat/completions"
	DefaultModel      = "gpt-3.5-turbo"
	DefaultMaxHistory = 5
)

// Client is everything a chat client needs at construction
type Client struct {
	APIKey          string
	RootCertificate string // PEM; empty trusts the system pool
	Model           string
	MaxHistory      int
	TimeoutMs       int // 0 disables the timeout
	Host            string
	Port            int
	Path            string
}

// DefaultClient returns the client settings used when nothing is configured
func DefaultClient() Client {
	return Client{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:      GetEnv("EDGECHAT_MODEL", DefaultModel),
		MaxHistory: GetEnvInt("EDGECHAT_MAX_HISTORY", DefaultMaxHistory),
		TimeoutMs:  GetEnvInt("EDGECHAT_TIMEOUT_MS", 0),
		Host:       DefaultHost,
		Port:       DefaultPort,
		Path:       DefaultPath,
	}
}

// URL returns the endpoint used for non-streaming requests
func (c Client) URL() string {
	if c.Port == DefaultPort {
		return fmt.Sprintf("https://%s%s", c.Host, c.Path)
	}
	return fmt.Sprintf("https://%s:%d%s", c.Host, c.Port, c.Path)
}

// Config holds application configuration
type Config struct {
	Client

	ConfigFile string
	RootCAFile string
	System     []string // System prompt segments loaded at startup
	Stream     bool
	SessionID  string
	Debug      bool
	DBPath     string
	LogDir     string
	RelayURL   string // WebSocket URL that mirrors streamed fragments
}

// Default returns the application defaults, honouring environment overrides
func Default() Config {
	return Config{
		Client: DefaultClient(),
		Stream: GetEnvBool("EDGECHAT_STREAM", true),
		DBPath: GetEnv("EDGECHAT_DB", "edgechat.db"),
		LogDir: GetEnv("EDGECHAT_LOG_DIR", "logs"),
	}
}

// fileConfig mirrors the YAML configuration file
type fileConfig struct {
	Model      *string  `yaml:"model"`
	MaxHistory *int     `yaml:"max_history"`
	TimeoutMs  *int     `yaml:"timeout_ms"`
	Host       *string  `yaml:"host"`
	Port       *int     `yaml:"port"`
	Path       *string  `yaml:"path"`
	RootCA     *string  `yaml:"root_ca"`
	Stream     *bool    `yaml:"stream"`
	RelayURL   *string  `yaml:"relay_url"`
	System     []string `yaml:"system"`
}

// LoadFile applies the settings present in a YAML file on top of cfg
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Model != nil {
		cfg.Model = *fc.Model
	}
	if fc.MaxHistory != nil {
		cfg.MaxHistory = *fc.MaxHistory
	}
	if fc.TimeoutMs != nil {
		cfg.TimeoutMs = *fc.TimeoutMs
	}
	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Path != nil {
		cfg.Path = *fc.Path
	}
	if fc.RootCA != nil {
		cfg.RootCAFile = *fc.RootCA
	}
	if fc.Stream != nil {
		cfg.Stream = *fc.Stream
	}
	if fc.RelayURL != nil {
		cfg.RelayURL = *fc.RelayURL
	}
	cfg.System = append(cfg.System, fc.System...)
	return nil
}

// LoadRootCertificate reads RootCAFile into the client settings
func (c *Config) LoadRootCertificate() error {
	if c.RootCAFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.RootCAFile)
	if err != nil {
		return fmt.Errorf("failed to read root certificate: %w", err)
	}
	c.RootCertificate = string(data)
	return nil
}

func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
