// Package config provides configuration management for goma.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultPort is the default HTTP port for the assistant service.
	DefaultPort = 37800

	// DefaultChatProvider selects the chat-completion backend ("openai" or "ollama").
	DefaultChatProvider = "ollama"

	// DefaultChatModel is the completion model requested from the backend.
	DefaultChatModel = "llama3.2:1b"

	// DefaultEmbedProvider selects the embedding backend.
	DefaultEmbedProvider = "ollama"

	// DefaultEmbedModel must match the model used to build the portfolio
	// embedding dataset (384-dimensional all-MiniLM-L6-v2 by default).
	DefaultEmbedModel = "all-minilm"
)

// Config holds the application configuration.
type Config struct {
	// Service settings
	Port int `json:"port"`

	// Chat model settings
	ChatProvider string `json:"chat_provider"`
	ChatBaseURL  string `json:"chat_base_url"`
	ChatModel    string `json:"chat_model"`

	// Embedding settings
	EmbedProvider string `json:"embed_provider"`
	EmbedBaseURL  string `json:"embed_base_url"`
	EmbedModel    string `json:"embed_model"`

	// Portfolio dataset
	EmbeddingsPath string `json:"embeddings_path"`

	// Persona settings
	AssistantName string `json:"assistant_name"`
	OwnerName     string `json:"owner_name"`

	// Generation settings
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	GreetingMaxTokens int     `json:"greeting_max_tokens"`
	HistoryWindow     int     `json:"history_window"`

	// Retrieval settings
	RAGEnabled        bool    `json:"rag_enabled"`
	RetrievalTopK     int     `json:"retrieval_top_k"`
	RetrievalMinScore float64 `json:"retrieval_min_score"`
	RetrievalMinWords int     `json:"retrieval_min_words"`

	// Performance thresholds
	SlowResponseMs    int     `json:"slow_response_ms"`
	DegradedAvgMs     int     `json:"degraded_avg_ms"`
	DegradedSlowRatio float64 `json:"degraded_slow_ratio"`
	MemoryCheckSec    int     `json:"memory_check_sec"`
	MemoryWarnPercent float64 `json:"memory_warn_percent"`

	// Conversation settings
	PendingQueueCap int `json:"pending_queue_cap"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path (~/.goma).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".goma")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EmbeddingsPath returns the default portfolio embeddings dataset path.
func EmbeddingsPath() string {
	return filepath.Join(DataDir(), "embeddings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil // File exists
	}

	defaultSettings := `{
  "GOMA_PORT": 37800,
  "GOMA_CHAT_PROVIDER": "ollama",
  "GOMA_CHAT_MODEL": "llama3.2:1b",
  "GOMA_EMBED_MODEL": "all-minilm",
  "GOMA_RAG_ENABLED": true
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values. The numeric thresholds
// mirror the tuning of the original browser assistant: responses slower
// than 1.5s count as slow, an average above 1s or more than a quarter of
// replies being slow raises the degradation signal, and process memory
// is sampled every 20s against a 75% ceiling.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		ChatProvider:      DefaultChatProvider,
		ChatBaseURL:       "http://localhost:11434",
		ChatModel:         DefaultChatModel,
		EmbedProvider:     DefaultEmbedProvider,
		EmbedBaseURL:      "http://localhost:11434",
		EmbedModel:        DefaultEmbedModel,
		EmbeddingsPath:    EmbeddingsPath(),
		AssistantName:     "Goma",
		OwnerName:         "the portfolio owner",
		Temperature:       0.7,
		MaxTokens:         512,
		GreetingMaxTokens: 150,
		HistoryWindow:     10,
		RAGEnabled:        true,
		RetrievalTopK:     3,
		RetrievalMinScore: 0.3,
		RetrievalMinWords: 3,
		SlowResponseMs:    1500,
		DegradedAvgMs:     1000,
		DegradedSlowRatio: 0.25,
		MemoryCheckSec:    20,
		MemoryWarnPercent: 75,
		PendingQueueCap:   32,
	}
}

// Load loads configuration from the settings file, merging with defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Load settings into a map to preserve unknown fields
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return cfg, nil // Return defaults on parse error
	}

	applySettings(cfg, settings)
	return cfg, nil
}

// applySettings maps raw settings keys onto the config struct.
func applySettings(cfg *Config, settings map[string]interface{}) {
	if v, ok := settings["GOMA_PORT"].(float64); ok && v > 0 {
		cfg.Port = int(v)
	}
	if v, ok := settings["GOMA_CHAT_PROVIDER"].(string); ok && v != "" {
		cfg.ChatProvider = v
	}
	if v, ok := settings["GOMA_CHAT_BASE_URL"].(string); ok && v != "" {
		cfg.ChatBaseURL = v
	}
	if v, ok := settings["GOMA_CHAT_MODEL"].(string); ok && v != "" {
		cfg.ChatModel = v
	}
	if v, ok := settings["GOMA_EMBED_PROVIDER"].(string); ok && v != "" {
		cfg.EmbedProvider = v
	}
	if v, ok := settings["GOMA_EMBED_BASE_URL"].(string); ok && v != "" {
		cfg.EmbedBaseURL = v
	}
	if v, ok := settings["GOMA_EMBED_MODEL"].(string); ok && v != "" {
		cfg.EmbedModel = v
	}
	if v, ok := settings["GOMA_EMBEDDINGS_PATH"].(string); ok && v != "" {
		cfg.EmbeddingsPath = v
	}
	if v, ok := settings["GOMA_ASSISTANT_NAME"].(string); ok && v != "" {
		cfg.AssistantName = v
	}
	if v, ok := settings["GOMA_OWNER_NAME"].(string); ok && v != "" {
		cfg.OwnerName = v
	}
	if v, ok := settings["GOMA_TEMPERATURE"].(float64); ok && v >= 0 && v <= 2 {
		cfg.Temperature = v
	}
	if v, ok := settings["GOMA_MAX_TOKENS"].(float64); ok && v > 0 {
		cfg.MaxTokens = int(v)
	}
	if v, ok := settings["GOMA_GREETING_MAX_TOKENS"].(float64); ok && v > 0 {
		cfg.GreetingMaxTokens = int(v)
	}
	if v, ok := settings["GOMA_HISTORY_WINDOW"].(float64); ok && v > 0 {
		cfg.HistoryWindow = int(v)
	}
	if v, ok := settings["GOMA_RAG_ENABLED"].(bool); ok {
		cfg.RAGEnabled = v
	}
	if v, ok := settings["GOMA_RETRIEVAL_TOP_K"].(float64); ok && v > 0 {
		cfg.RetrievalTopK = int(v)
	}
	if v, ok := settings["GOMA_RETRIEVAL_MIN_SCORE"].(float64); ok && v >= 0 && v <= 1 {
		cfg.RetrievalMinScore = v
	}
	if v, ok := settings["GOMA_RETRIEVAL_MIN_WORDS"].(float64); ok && v > 0 {
		cfg.RetrievalMinWords = int(v)
	}
	if v, ok := settings["GOMA_SLOW_RESPONSE_MS"].(float64); ok && v > 0 {
		cfg.SlowResponseMs = int(v)
	}
	if v, ok := settings["GOMA_DEGRADED_AVG_MS"].(float64); ok && v > 0 {
		cfg.DegradedAvgMs = int(v)
	}
	if v, ok := settings["GOMA_DEGRADED_SLOW_RATIO"].(float64); ok && v > 0 && v <= 1 {
		cfg.DegradedSlowRatio = v
	}
	if v, ok := settings["GOMA_MEMORY_CHECK_SEC"].(float64); ok && v > 0 {
		cfg.MemoryCheckSec = int(v)
	}
	if v, ok := settings["GOMA_MEMORY_WARN_PERCENT"].(float64); ok && v > 0 && v <= 100 {
		cfg.MemoryWarnPercent = v
	}
	if v, ok := settings["GOMA_PENDING_QUEUE_CAP"].(float64); ok && v > 0 {
		cfg.PendingQueueCap = int(v)
	}
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
		}
	})
	return globalConfig
}

// GetPort returns the service port from environment or config.
func GetPort() int {
	if port := os.Getenv("GOMA_PORT"); port != "" {
		var p int
		if err := json.Unmarshal([]byte(port), &p); err == nil && p > 0 {
			return p
		}
	}
	return Get().Port
}

// GetChatAPIKey returns the chat backend API key from the environment.
// Empty is valid for local backends.
func GetChatAPIKey() string {
	return os.Getenv("GOMA_CHAT_API_KEY")
}

// GetEmbedAPIKey returns the embedding backend API key from the environment.
func GetEmbedAPIKey() string {
	return os.Getenv("GOMA_EMBED_API_KEY")
}
