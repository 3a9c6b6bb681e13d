// Package config provides the configuration schema and loader for the
// Renfield hub.
package config

import (
	"time"

	"github.com/renfield-hub/renfield/internal/toolhost"
)

// LogLevel controls log verbosity for the Renfield server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Renfield.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Features FeaturesConfig `yaml:"features"`
	Store    StoreConfig    `yaml:"store"`
	LLM      LLMConfig      `yaml:"llm"`
	STT      SpeechConfig   `yaml:"stt"`
	TTS      SpeechConfig   `yaml:"tts"`
	RAG      SpeechConfig   `yaml:"rag"`
	Learn    LearnConfig    `yaml:"learn"`
	Tools    ToolsConfig    `yaml:"tools"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// ServerConfig holds network and logging settings for the Renfield server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// FeaturesConfig holds the feature toggles. All default to off; the loader
// flips agent, memory and proactive on unless explicitly disabled.
type FeaturesConfig struct {
	// AgentEnabled allows the resolver to plan bounded multi-step agent
	// loops. When off, middling-confidence intents fall back to conversation.
	AgentEnabled *bool `yaml:"agent_enabled"`

	// MemoryEnabled allows "remember that ..." fact capture.
	MemoryEnabled *bool `yaml:"memory_enabled"`

	// ProactiveEnabled accepts webhook notifications and fans them out to
	// devices.
	ProactiveEnabled *bool `yaml:"proactive_enabled"`

	// MetricsEnabled exposes the Prometheus /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// AuthEnabled is surfaced for a fronting auth proxy or middleware.
	// The core itself enforces no token policy.
	AuthEnabled bool `yaml:"auth_enabled"`
}

// StoreConfig configures the conversation store.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty the hub
	// runs on the in-memory store and conversations do not survive restarts.
	PostgresDSN string `yaml:"postgres_dsn"`

	// CleanupDays is the default retention for the cleanup endpoint.
	CleanupDays int `yaml:"cleanup_days"`
}

// LLMConfig selects models per role. All roles share one endpoint unless
// AgentBaseURL points the agent loop elsewhere.
type LLMConfig struct {
	// Provider is the backend family ("openai", "ollama", "anthropic", ...).
	// Defaults to "openai", which covers any OpenAI-compatible endpoint.
	Provider string `yaml:"provider"`

	// BaseURL is the OpenAI-compatible chat endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint, if it requires one.
	APIKey string `yaml:"api_key"`

	// ChatModel generates conversational responses.
	ChatModel string `yaml:"chat_model"`

	// IntentModel runs the intent classifier. Defaults to ChatModel.
	IntentModel string `yaml:"intent_model"`

	// RAGModel answers retrieval-augmented turns. Defaults to ChatModel.
	RAGModel string `yaml:"rag_model"`

	// EmbedModel produces embeddings for intent ranking and corrections.
	EmbedModel string `yaml:"embed_model"`

	// AgentBaseURL optionally points the agent loop at a distinct endpoint.
	AgentBaseURL string `yaml:"agent_base_url"`
}

// SpeechConfig is the shared block for the STT, TTS and RAG collaborators.
type SpeechConfig struct {
	// Enabled gates the collaborator entirely.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the collaborator's HTTP endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice is the default synthesis voice (TTS only).
	Voice string `yaml:"voice"`

	// Timeout bounds one request. Zero keeps the built-in default.
	Timeout time.Duration `yaml:"timeout"`
}

// LearnConfig configures the feedback-correction and memory-fact store.
type LearnConfig struct {
	// PostgresDSN is the pgvector-enabled connection string. Defaults to
	// the conversation store's DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the configured embed model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ToolsConfig holds the list of tool providers to connect to.
type ToolsConfig struct {
	Providers []ToolProviderConfig `yaml:"providers"`
}

// ToolProviderConfig describes how to connect one tool provider.
type ToolProviderConfig struct {
	// Name is a unique identifier and the namespace prefix of the
	// provider's tools.
	Name string `yaml:"name"`

	// Enabled gates whether the registry attempts to connect at all.
	Enabled bool `yaml:"enabled"`

	// Transport specifies the connection mechanism.
	Transport toolhost.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for the HTTP transports.
	Command string `yaml:"command"`

	// URL is the endpoint used for the HTTP transports. Ignored for stdio.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// RateLimit is the per-minute call budget. Zero means unlimited.
	RateLimit int `yaml:"rate_limit"`

	// Timeout overrides the default per-call timeout for this provider's
	// tools. Zero keeps the default.
	Timeout time.Duration `yaml:"timeout"`
}

// ToolhostConfig converts the provider list to the registry's config type.
func (t ToolsConfig) ToolhostConfig() []toolhost.ProviderConfig {
	out := make([]toolhost.ProviderConfig, 0, len(t.Providers))
	for _, p := range t.Providers {
		out = append(out, toolhost.ProviderConfig{
			Name:        p.Name,
			Enabled:     p.Enabled,
			Transport:   p.Transport,
			Command:     p.Command,
			URL:         p.URL,
			Env:         p.Env,
			RateLimit:   p.RateLimit,
			CallTimeout: p.Timeout,
		})
	}
	return out
}

// GatewayConfig tunes the device gateway.
type GatewayConfig struct {
	// HeartbeatTolerance is how long a device may stay silent before being
	// marked offline. Zero keeps the built-in 90 s default.
	HeartbeatTolerance time.Duration `yaml:"heartbeat_tolerance"`

	// WakeWords is pushed to devices after registration.
	WakeWords []string `yaml:"wake_words"`

	// WakeThreshold is the detection threshold pushed alongside WakeWords.
	WakeThreshold float64 `yaml:"wake_threshold"`
}

// IsAgentEnabled reports the effective agent toggle.
func (f FeaturesConfig) IsAgentEnabled() bool { return f.AgentEnabled == nil || *f.AgentEnabled }

// IsMemoryEnabled reports the effective memory toggle.
func (f FeaturesConfig) IsMemoryEnabled() bool { return f.MemoryEnabled == nil || *f.MemoryEnabled }

// IsProactiveEnabled reports the effective proactive toggle.
func (f FeaturesConfig) IsProactiveEnabled() bool {
	return f.ProactiveEnabled == nil || *f.ProactiveEnabled
}
