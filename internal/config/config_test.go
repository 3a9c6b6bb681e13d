package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/renfield-hub/renfield/internal/toolhost"
)

const fullConfig = `
server:
  listen_addr: ":9000"
  log_level: debug
features:
  agent_enabled: false
  metrics_enabled: true
store:
  postgres_dsn: "postgres://renfield:secret@db:5432/renfield"
  cleanup_days: 14
llm:
  base_url: "http://ollama:11434/v1"
  chat_model: "qwen2.5:14b"
  intent_model: "qwen2.5:3b"
  embed_model: "nomic-embed-text"
stt:
  enabled: true
  base_url: "http://whisper:9300"
  timeout: 20s
tts:
  enabled: true
  base_url: "http://piper:9200"
  voice: "en_GB-alba-medium"
learn:
  embedding_dimensions: 768
tools:
  providers:
    - name: homeassistant
      enabled: true
      transport: streamable-http
      url: "http://ha-bridge:8123/mcp"
      rate_limit: 120
      timeout: 15s
    - name: weather
      enabled: true
      transport: stdio
      command: "weather-tools --offline"
      env:
        WEATHER_API_KEY: "abc"
gateway:
  heartbeat_tolerance: 2m
  wake_words: [renfield]
  wake_threshold: 0.6
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Features.IsAgentEnabled() {
		t.Error("agent_enabled: false was not honoured")
	}
	if !cfg.Features.IsMemoryEnabled() || !cfg.Features.IsProactiveEnabled() {
		t.Error("omitted feature toggles should default on")
	}
	if !cfg.Features.MetricsEnabled {
		t.Error("metrics_enabled lost")
	}
	if cfg.Store.CleanupDays != 14 {
		t.Errorf("cleanup_days = %d", cfg.Store.CleanupDays)
	}
	if cfg.LLM.IntentModel != "qwen2.5:3b" {
		t.Errorf("intent_model = %q", cfg.LLM.IntentModel)
	}
	if cfg.LLM.RAGModel != "qwen2.5:14b" {
		t.Errorf("rag_model should default to chat_model, got %q", cfg.LLM.RAGModel)
	}
	if cfg.Learn.PostgresDSN != cfg.Store.PostgresDSN {
		t.Errorf("learn dsn should default to store dsn, got %q", cfg.Learn.PostgresDSN)
	}
	if cfg.Learn.EmbeddingDimensions != 768 {
		t.Errorf("embedding_dimensions = %d", cfg.Learn.EmbeddingDimensions)
	}
	if cfg.STT.Timeout != 20*time.Second {
		t.Errorf("stt timeout = %v", cfg.STT.Timeout)
	}
	if cfg.Gateway.HeartbeatTolerance != 2*time.Minute {
		t.Errorf("heartbeat_tolerance = %v", cfg.Gateway.HeartbeatTolerance)
	}

	providers := cfg.Tools.ToolhostConfig()
	if len(providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(providers))
	}
	ha := providers[0]
	if ha.Name != "homeassistant" || ha.Transport != toolhost.TransportStreamableHTTP ||
		ha.RateLimit != 120 || ha.CallTimeout != 15*time.Second {
		t.Errorf("homeassistant provider = %+v", ha)
	}
	if providers[1].Env["WEATHER_API_KEY"] != "abc" {
		t.Errorf("weather env = %+v", providers[1].Env)
	}
}

func TestEmptyConfigGetsDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Store.CleanupDays != 30 {
		t.Errorf("cleanup_days = %d", cfg.Store.CleanupDays)
	}
	if cfg.Learn.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions = %d", cfg.Learn.EmbeddingDimensions)
	}
	if !cfg.Features.IsAgentEnabled() || !cfg.Features.IsMemoryEnabled() {
		t.Error("feature toggles should default on")
	}
	if cfg.Features.MetricsEnabled || cfg.Features.AuthEnabled {
		t.Error("metrics/auth should default off")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("RENFIELD_TEST_DSN", "postgres://u:p@host/db")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  postgres_dsn: \"${RENFIELD_TEST_DSN}\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.PostgresDSN != "postgres://u:p@host/db" {
		t.Errorf("dsn = %q, want the expanded env value", cfg.Store.PostgresDSN)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("sever:\n  listen_addr: \":1\"\n"))
	if err == nil {
		t.Fatal("misspelled top-level key was accepted")
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"bad log level",
			"server:\n  log_level: verbose\n",
			"server.log_level",
		},
		{
			"stdio without command",
			"tools:\n  providers:\n    - name: x\n      transport: stdio\n",
			"command is required",
		},
		{
			"http without url",
			"tools:\n  providers:\n    - name: x\n      transport: streamable-http\n",
			"url is required",
		},
		{
			"unknown transport",
			"tools:\n  providers:\n    - name: x\n      transport: carrier-pigeon\n",
			"transport",
		},
		{
			"duplicate provider names",
			"tools:\n  providers:\n    - name: x\n      transport: stdio\n      command: a\n    - name: x\n      transport: stdio\n      command: b\n",
			"duplicate",
		},
		{
			"nameless provider",
			"tools:\n  providers:\n    - transport: stdio\n      command: a\n",
			"name is required",
		},
		{
			"negative rate limit",
			"tools:\n  providers:\n    - name: x\n      transport: stdio\n      command: a\n      rate_limit: -1\n",
			"rate_limit",
		},
		{
			"stt enabled without url",
			"stt:\n  enabled: true\n",
			"stt.base_url",
		},
		{
			"rag enabled without url",
			"rag:\n  enabled: true\n",
			"rag.base_url",
		},
		{
			"wake threshold out of range",
			"gateway:\n  wake_threshold: 1.5\n",
			"wake_threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("invalid config was accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidationJoinsAllFailures(t *testing.T) {
	yaml := "server:\n  log_level: verbose\ntools:\n  providers:\n    - name: x\n      transport: stdio\n"
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("invalid config was accepted")
	}
	for _, want := range []string{"log_level", "command is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LogDebug, "DEBUG"},
		{LogInfo, "INFO"},
		{LogWarn, "WARN"},
		{LogError, "ERROR"},
		{LogLevel(""), "INFO"},
	}
	for _, tt := range tests {
		if got := tt.level.SlogLevel().String(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}
