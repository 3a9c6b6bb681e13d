package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/renfield-hub/renfield/internal/toolhost"
)

// Load reads the YAML configuration file at path, expands ${ENV} references
// from the process environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader([]byte(os.Expand(string(data), envLookup))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// envLookup resolves ${NAME} references. Unset variables expand to the empty
// string; validation catches the fields that must not end up empty.
func envLookup(name string) string {
	return os.Getenv(name)
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the hub's defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Store.CleanupDays <= 0 {
		cfg.Store.CleanupDays = 30
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.ChatModel == "" {
		cfg.LLM.ChatModel = "qwen2.5:7b"
	}
	if cfg.LLM.IntentModel == "" {
		cfg.LLM.IntentModel = cfg.LLM.ChatModel
	}
	if cfg.LLM.RAGModel == "" {
		cfg.LLM.RAGModel = cfg.LLM.ChatModel
	}
	if cfg.Learn.PostgresDSN == "" {
		cfg.Learn.PostgresDSN = cfg.Store.PostgresDSN
	}
	if cfg.Learn.EmbeddingDimensions <= 0 {
		cfg.Learn.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.LLM.BaseURL == "" {
		slog.Warn("llm.base_url is empty; turns will fail until an LLM endpoint is configured")
	}
	if cfg.STT.Enabled && cfg.STT.BaseURL == "" {
		errs = append(errs, errors.New("stt.base_url is required when stt is enabled"))
	}
	if cfg.TTS.Enabled && cfg.TTS.BaseURL == "" {
		errs = append(errs, errors.New("tts.base_url is required when tts is enabled"))
	}
	if cfg.RAG.Enabled && cfg.RAG.BaseURL == "" {
		errs = append(errs, errors.New("rag.base_url is required when rag is enabled"))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversations will not survive restarts")
	}

	namesSeen := make(map[string]int, len(cfg.Tools.Providers))
	for i, p := range cfg.Tools.Providers {
		prefix := fmt.Sprintf("tools.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.providers[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Transport != "" && !p.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http, streamable-http", prefix, p.Transport))
		}
		if p.Transport == toolhost.TransportStdio && p.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if (p.Transport == toolhost.TransportHTTP || p.Transport == toolhost.TransportStreamableHTTP) && p.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, p.Transport))
		}
		if p.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.rate_limit must not be negative", prefix))
		}
	}

	if cfg.Gateway.WakeThreshold < 0 || cfg.Gateway.WakeThreshold > 1 {
		errs = append(errs, fmt.Errorf("gateway.wake_threshold %.2f is out of range [0, 1]", cfg.Gateway.WakeThreshold))
	}

	return errors.Join(errs...)
}

// SlogLevel converts the configured level to the slog constant.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
