package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	Provider  ProviderConfig  `json:"provider"`
	Memory    MemoryConfig    `json:"memory"`
	Cache     CacheConfig     `json:"cache"`
	Tools     ToolsConfig     `json:"tools"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type AssistantConfig struct {
	Workspace            string  `json:"workspace" env:"ASSISTANT_WORKSPACE"`
	Model                string  `json:"model" env:"ASSISTANT_MODEL"`
	MaxTokens            int     `json:"max_tokens" env:"ASSISTANT_MAX_TOKENS"`
	ContextWindow        int     `json:"context_window" env:"ASSISTANT_CONTEXT_WINDOW"`
	Temperature          float64 `json:"temperature" env:"ASSISTANT_TEMPERATURE"`
	MaxToolRounds        int     `json:"max_tool_rounds" env:"ASSISTANT_MAX_TOOL_ROUNDS"`
	ProbeTimeoutSeconds  int     `json:"probe_timeout_seconds" env:"ASSISTANT_PROBE_TIMEOUT_SECONDS"`
	StreamTimeoutSeconds int     `json:"stream_timeout_seconds" env:"ASSISTANT_STREAM_TIMEOUT_SECONDS"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"ASSISTANT_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"ASSISTANT_PROVIDER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"ASSISTANT_PROVIDER_PROXY"`
}

type MemoryConfig struct {
	EmbeddingModel        string  `json:"embedding_model" env:"ASSISTANT_MEMORY_EMBEDDING_MODEL"`
	RecallItems           int     `json:"recall_items" env:"ASSISTANT_MEMORY_RECALL_ITEMS"`
	MinScore              float64 `json:"min_score" env:"ASSISTANT_MEMORY_MIN_SCORE"`
	CompressAfterTurns    int     `json:"compress_after_turns" env:"ASSISTANT_MEMORY_COMPRESS_AFTER_TURNS"`
	CompressKeepTurns     int     `json:"compress_keep_turns" env:"ASSISTANT_MEMORY_COMPRESS_KEEP_TURNS"`
	TombstoneRebuildRatio float64 `json:"tombstone_rebuild_ratio" env:"ASSISTANT_MEMORY_TOMBSTONE_REBUILD_RATIO"`
	TombstoneRebuildMin   int     `json:"tombstone_rebuild_min" env:"ASSISTANT_MEMORY_TOMBSTONE_REBUILD_MIN"`
	MaintenanceCron       string  `json:"maintenance_cron" env:"ASSISTANT_MEMORY_MAINTENANCE_CRON"`
}

type CacheConfig struct {
	Capacity   int `json:"capacity" env:"ASSISTANT_CACHE_CAPACITY"`
	TTLSeconds int `json:"ttl_seconds" env:"ASSISTANT_CACHE_TTL_SECONDS"`
}

type ToolsConfig struct {
	RestrictToWorkspace bool `json:"restrict_to_workspace" env:"ASSISTANT_TOOLS_RESTRICT_TO_WORKSPACE"`
	TimeoutSeconds      int  `json:"timeout_seconds" env:"ASSISTANT_TOOLS_TIMEOUT_SECONDS"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"ASSISTANT_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"ASSISTANT_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Workspace:            "~/.ue-toolkits/assistant",
			Model:                "openai/gpt-5.2",
			MaxTokens:            4096,
			ContextWindow:        8192,
			Temperature:          0.7,
			MaxToolRounds:        5,
			ProbeTimeoutSeconds:  60,
			StreamTimeoutSeconds: 180,
		},
		Provider: ProviderConfig{
			APIBase: "https://openrouter.ai/api/v1",
		},
		Memory: MemoryConfig{
			EmbeddingModel:        "chargram-384",
			RecallItems:           6,
			MinScore:              0.32,
			CompressAfterTurns:    15,
			CompressKeepTurns:     6,
			TombstoneRebuildRatio: 0.25,
			TombstoneRebuildMin:   8,
			MaintenanceCron:       "*/10 * * * *",
		},
		Cache: CacheConfig{
			Capacity:   128,
			TTLSeconds: 1800,
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
			TimeoutSeconds:      30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects values the runtime cannot recover from at startup.
func (c *Config) Validate() error {
	if c.Assistant.MaxToolRounds <= 0 {
		return fmt.Errorf("assistant.max_tool_rounds must be positive, got %d", c.Assistant.MaxToolRounds)
	}
	if c.Memory.TombstoneRebuildRatio <= 0 || c.Memory.TombstoneRebuildRatio >= 1 {
		return fmt.Errorf("memory.tombstone_rebuild_ratio must be in (0, 1), got %v", c.Memory.TombstoneRebuildRatio)
	}
	if cron := c.Memory.MaintenanceCron; cron != "" {
		if !gronx.New().IsValid(cron) {
			return fmt.Errorf("memory.maintenance_cron %q is not a valid cron expression", cron)
		}
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Assistant.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
