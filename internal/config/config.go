package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	API      API      `yaml:"api"`
	Search   Search   `yaml:"search"`
	Analysis Analysis `yaml:"analysis"`
	Backend  Backend  `yaml:"backend"`
	LLM      LLM      `yaml:"llm"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// API is how the CLI reaches the backend.
type API struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Search holds the defaults for new searches.
type Search struct {
	MaxDownloads    int  `yaml:"max_downloads"`
	IncludeRecalled bool `yaml:"include_recalled"`
}

type Analysis struct {
	Concurrency int `yaml:"concurrency"`
}

// Backend configures the server's upstream sources.
type Backend struct {
	OpenFDAURL       string `yaml:"openfda_url"`
	DocumentBaseURL  string `yaml:"document_base_url"`
	RecallFeedURL    string `yaml:"recall_feed_url"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	RequestTimeout   int    `yaml:"request_timeout"` // seconds
}

type LLM struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for vera.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "vera")
}

// DataDir returns the XDG data directory for vera.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "vera")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/vera/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'vera init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		API: API{
			BaseURL: "http://localhost:8000",
			Timeout: 120,
		},
		Analysis: Analysis{Concurrency: 4},
		Backend: Backend{
			OpenFDAURL:       "https://api.fda.gov/device/510k.json",
			DocumentBaseURL:  "https://www.accessdata.fda.gov/cdrh_docs",
			FetchConcurrency: 4,
			RequestTimeout:   30,
		},
		LLM: LLM{
			Provider:    "ollama",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   1024,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Search.MaxDownloads < 0 {
		return fmt.Errorf("search.max_downloads must not be negative")
	}
	if c.Analysis.Concurrency < 1 {
		return fmt.Errorf("analysis.concurrency must be at least 1")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO":
	default:
		return fmt.Errorf("logging.level must be DEBUG or INFO, got %q", c.Logging.Level)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath is where the cache database lives.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "vera.db")
}

// Debug reports whether debug logging is on.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.Logging.Level, "DEBUG")
}

// APITimeout is the request timeout for non-streaming backend calls.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.Timeout) * time.Second
}

// BackendTimeout is the timeout for upstream FDA requests.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeout) * time.Second
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
