// Package config handles Hollowfire configuration loading.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hollowfire.yaml, ~/.config/hollowfire/config.yaml, /etc/hollowfire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hollowfire.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hollowfire", "config.yaml"))
	}

	paths = append(paths, "/etc/hollowfire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hollowfire configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Models     ModelsConfig     `yaml:"models"`
	Startouts  StartoutsConfig  `yaml:"startouts"`
	Completion CompletionConfig `yaml:"completion"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	// SystemReplacements are literal substitutions applied to startout
	// content on reset, in the order they appear in the file.
	SystemReplacements Replacements `yaml:"system_replacements"`

	// StartoutConfiguration is the initial selector every new
	// conversation starts with.
	StartoutConfiguration int `yaml:"startout_configuration"`

	MemoryDir string `yaml:"memory_dir"`
	DataDir   string `yaml:"data_dir"`
	LogDir    string `yaml:"log_dir"`
	LogKeep   int    `yaml:"log_keep"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Must be a loopback address
	Port    int    `yaml:"port"`

	// MaxConnections caps simultaneously accepted connections. Zero
	// means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// ProvidersConfig selects and configures inference backends.
type ProvidersConfig struct {
	// Default is the provider new conversations are created with
	// (ollama, openai, groq).
	Default string       `yaml:"default"`
	Ollama  OllamaConfig `yaml:"ollama"`
	OpenAI  OpenAIConfig `yaml:"openai"`
	Groq    OpenAIConfig `yaml:"groq"`
}

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	URL       string `yaml:"url"`
	KeepAlive string `yaml:"keep_alive"`
}

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ModelsConfig defines model selection.
type ModelsConfig struct {
	Default string `yaml:"default"`
}

// StartoutsConfig points at the startout template files.
type StartoutsConfig struct {
	Dir     string `yaml:"dir"`
	Default string `yaml:"default"`
	Watch   bool   `yaml:"watch"` // Reload on file changes
}

// CompletionConfig bounds the completion retry loop.
type CompletionConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	RetryRate   float64 `yaml:"retry_rate"` // attempts per second
	RetryBurst  int     `yaml:"retry_burst"`
}

// EmbeddingsConfig defines embedding generation settings used for
// retrieval augmentation.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to providers.ollama.url)
}

// MQTTConfig configures optional event forwarding to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Replacement is one literal substitution.
type Replacement struct {
	From string
	To   string
}

// Replacements is an ordered list of substitutions. In YAML it is written
// as a mapping; document order is preserved.
type Replacements []Replacement

// UnmarshalYAML decodes a YAML mapping while keeping key order.
func (r *Replacements) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: system_replacements must be a mapping", node.Line)
	}
	out := make(Replacements, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var from, to string
		if err := node.Content[i].Decode(&from); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&to); err != nil {
			return err
		}
		out = append(out, Replacement{From: from, To: to})
	}
	*r = out
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Address: "127.0.0.1", Port: 8000},
		Providers: ProvidersConfig{
			Default: "ollama",
			Ollama:  OllamaConfig{URL: "http://localhost:11434"},
			Groq:    OpenAIConfig{BaseURL: "https://api.groq.com/openai/v1"},
			OpenAI:  OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
		},
		Models:    ModelsConfig{Default: "qwen3"},
		Startouts: StartoutsConfig{Dir: "startouts", Default: "ms_start_main"},
		Completion: CompletionConfig{
			MaxAttempts: 5,
			RetryRate:   2,
			RetryBurst:  1,
		},
		MemoryDir: "memory",
		DataDir:   "data",
		LogDir:    "logs",
		LogKeep:   10,
		LogLevel:  "info",
		LogFormat: "text",
	}
	return cfg
}

// applyDefaults fills zero values that YAML may have cleared.
func (c *Config) applyDefaults() {
	if c.Completion.MaxAttempts <= 0 {
		c.Completion.MaxAttempts = 5
	}
	if c.Completion.RetryBurst <= 0 {
		c.Completion.RetryBurst = 1
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Providers.Ollama.URL
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "hollowfire"
	}
}

// Validate checks for configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Providers.Default {
	case "ollama", "openai", "groq":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Listen.Port)
	}
	if c.Startouts.Default == "" {
		return fmt.Errorf("startouts.default must be set")
	}
	return nil
}

// IsLoopback reports whether addr names the local loopback interface.
// Hostnames other than "localhost" are not resolved.
func IsLoopback(addr string) bool {
	if strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
