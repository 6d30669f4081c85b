// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads runtime configuration from YAML with environment
// variable expansion, following the teacher's pkg/config/loader.go loading
// pipeline: read bytes, parse YAML, expand ${VAR} / ${VAR:-default} / $VAR
// patterns, decode, validate.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Protocol selects which LLM wire dialect a provider speaks.
type Protocol string

const (
	ProtocolAuto      Protocol = "auto"
	ProtocolChat      Protocol = "chat"
	ProtocolResponses Protocol = "responses"
)

// ProviderKind enumerates the known LLM provider variants (spec §3).
type ProviderKind string

const (
	ProviderOpenAI      ProviderKind = "openai"
	ProviderAzureOpenAI ProviderKind = "azure_openai"
	ProviderOpenRouter  ProviderKind = "openrouter"
	ProviderTogetherAI  ProviderKind = "together_ai"
	ProviderGroq        ProviderKind = "groq"
	ProviderGeneric     ProviderKind = "generic"
)

// LLMSettings configures a single provider/model pair. It mirrors spec §3's
// "LLM Settings" data model.
type LLMSettings struct {
	BaseURL            string       `yaml:"base_url"`
	APIKey             string       `yaml:"api_key"`
	Model              string       `yaml:"model"`
	Protocol           Protocol     `yaml:"protocol"`
	Provider           ProviderKind `yaml:"provider"`
	ParallelToolCalls  *bool        `yaml:"parallel_tool_calls"`
	Deployment         string       `yaml:"deployment"`    // Azure only
	APIVersion         string       `yaml:"api_version"`   // Azure only
	TimeoutSeconds     int          `yaml:"timeout_seconds"`
}

// SetDefaults fills in zero-value fields, detecting the provider from
// BaseURL when one was not configured explicitly.
func (s *LLMSettings) SetDefaults() {
	if s.Protocol == "" {
		s.Protocol = ProtocolAuto
	}
	if s.Provider == "" {
		s.Provider = DetectProvider(s.BaseURL)
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = 60
	}
}

// Validate checks required fields and Azure-specific combinations.
func (s *LLMSettings) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if s.Provider == ProviderAzureOpenAI {
		if s.Deployment == "" {
			return fmt.Errorf("config: azure_openai provider requires deployment")
		}
		if s.APIVersion == "" {
			return fmt.Errorf("config: azure_openai provider requires api_version")
		}
	}
	return nil
}

// DetectProvider infers a ProviderKind from a base URL's host, applied only
// when no explicit provider was configured.
func DetectProvider(baseURL string) ProviderKind {
	lower := strings.ToLower(baseURL)
	switch {
	case strings.Contains(lower, "azure.com"):
		return ProviderAzureOpenAI
	case strings.Contains(lower, "openrouter.ai"):
		return ProviderOpenRouter
	case strings.Contains(lower, "together.xyz"), strings.Contains(lower, "together.ai"):
		return ProviderTogetherAI
	case strings.Contains(lower, "groq.com"):
		return ProviderGroq
	case strings.Contains(lower, "openai.com"), lower == "":
		return ProviderOpenAI
	default:
		return ProviderGeneric
	}
}

// ContextStrategy selects the Context Manager's trimming strategy (spec §4.4).
type ContextStrategy string

const (
	StrategySlidingWindow          ContextStrategy = "sliding_window"
	StrategyKeepFirstLast          ContextStrategy = "keep_first_last"
	StrategyProgressiveSummarization ContextStrategy = "progressive_summarization"
	StrategyNone                   ContextStrategy = "none"
)

// ContextConfig configures the Context Manager.
type ContextConfig struct {
	MaxTokens          int             `yaml:"max_tokens"`
	ReserveTokens       int             `yaml:"reserve_tokens"`
	TriggerThreshold    float64         `yaml:"trigger_threshold"`
	Strategy            ContextStrategy `yaml:"strategy"`
}

func (c *ContextConfig) SetDefaults() {
	if c.ReserveTokens == 0 {
		c.ReserveTokens = 1000
	}
	if c.TriggerThreshold == 0 {
		c.TriggerThreshold = 0.9
	}
	if c.Strategy == "" {
		c.Strategy = StrategySlidingWindow
	}
}

// SkillMatcherConfig configures the Skill Matcher (spec §4.5).
type SkillMatcherConfig struct {
	VectorThreshold float64 `yaml:"vector_threshold"`
	TopK            int     `yaml:"top_k"`
}

func (c *SkillMatcherConfig) SetDefaults() {
	if c.VectorThreshold == 0 {
		c.VectorThreshold = 0.75
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
}

// RunManagerConfig holds the `run_manager` block. BroadcastCapacity is
// decoded and defaulted to 100, but the run manager does not read it: every
// subscriber channel uses the run manager's fixed capacity of 100. Knowledge
// and memory retrieval parameters live on KnowledgeStoreConfig and
// MemoryStoreConfig instead, since each backend has its own topK/minScore
// tuning independent of run fan-out.
type RunManagerConfig struct {
	BroadcastCapacity int `yaml:"broadcast_capacity"`
}

func (c *RunManagerConfig) SetDefaults() {
	if c.BroadcastCapacity == 0 {
		c.BroadcastCapacity = 100
	}
}

// KnowledgeStoreConfig configures the optional Qdrant-backed
// search_knowledge tool. Disabled unless Enabled is set, since Search fails
// loudly if no Qdrant instance is reachable at Host:Port.
type KnowledgeStoreConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port"`
	APIKey     string  `yaml:"api_key"`
	UseTLS     bool    `yaml:"use_tls"`
	Collection string  `yaml:"collection"`
	TopK       int     `yaml:"top_k"`
	MinScore   float64 `yaml:"min_score"`
}

func (c *KnowledgeStoreConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.MinScore == 0 {
		c.MinScore = 0.7
	}
}

// MemoryStoreConfig configures the optional Pinecone-backed search_memory
// tool, the alternate/swap-in backend to KnowledgeStoreConfig.
type MemoryStoreConfig struct {
	Enabled   bool    `yaml:"enabled"`
	APIKey    string  `yaml:"api_key"`
	Host      string  `yaml:"host"`
	IndexName string  `yaml:"index_name"`
	TopK      int     `yaml:"top_k"`
	MinScore  float64 `yaml:"min_score"`
}

func (c *MemoryStoreConfig) SetDefaults() {
	if c.IndexName == "" {
		c.IndexName = "hectorcore-memory"
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.MinScore == 0 {
		c.MinScore = 0.7
	}
}

// ToolServerConfig configures one MCP stdio tool server exposed under
// Namespace (spec §6's "server::tool" namespacing), mirroring the teacher's
// pkg/config/tool.go stdio-transport fields.
type ToolServerConfig struct {
	Namespace string            `yaml:"namespace"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Filter    []string          `yaml:"filter"`
}

// Config is the top-level runtime configuration.
type Config struct {
	LogLevel    string               `yaml:"log_level"`
	Metrics     MetricsConfig        `yaml:"metrics"`
	ServerAddr  string               `yaml:"server_addr"`
	LLM         LLMSettings          `yaml:"llm"`
	Context     ContextConfig        `yaml:"context"`
	Skills      SkillMatcherConfig   `yaml:"skills"`
	RunManager  RunManagerConfig     `yaml:"run_manager"`
	ToolServers []ToolServerConfig   `yaml:"tool_servers"`
	Knowledge   KnowledgeStoreConfig `yaml:"knowledge"`
	Memory      MemoryStoreConfig    `yaml:"memory"`
}

// MetricsConfig holds the `metrics` block. It is decoded and defaulted only:
// the serve command does not read Enabled or Addr, and the /metrics route is
// mounted on the main HTTP router.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
}

// SetDefaults fills defaults across the whole config tree.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	c.Metrics.SetDefaults()
	c.LLM.SetDefaults()
	c.Context.SetDefaults()
	c.Skills.SetDefaults()
	c.RunManager.SetDefaults()
	c.Knowledge.SetDefaults()
	c.Memory.SetDefaults()
}

// Validate checks the whole config tree.
func (c *Config) Validate() error {
	return c.LLM.Validate()
}

// Load reads a YAML config file from path, expands environment variables,
// decodes it, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes the same way Load does, without touching the
// filesystem (used by tests and by the `.env`-driven CLI path).
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	expanded := expandEnvVars(raw)

	// Round-trip through YAML so the Config struct's yaml tags apply to the
	// expanded generic map, matching the teacher's mapstructure-free path.
	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal expanded config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(reencoded, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				name, def := inner[:idx], inner[idx+2:]
				if val := os.Getenv(name); val != "" {
					return val
				}
				return def
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}

// parseBoolEnv parses s as a boolean, returning fallback when s is empty or
// not a valid boolean.
func parseBoolEnv(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
