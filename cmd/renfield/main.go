// Command renfield is the main entry point for the Renfield interaction hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/renfield-hub/renfield/internal/app"
	"github.com/renfield-hub/renfield/internal/config"
	"github.com/renfield-hub/renfield/internal/observe"
	oaembed "github.com/renfield-hub/renfield/pkg/provider/embeddings/openai"
	"github.com/renfield-hub/renfield/pkg/provider/llm/anyllm"
	"github.com/renfield-hub/renfield/pkg/provider/stt/whisper"
	"github.com/renfield-hub/renfield/pkg/provider/tts/piper"
	"github.com/renfield-hub/renfield/pkg/rag"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "renfield: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "renfield: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("renfield starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "renfield",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("hub ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

// buildProviders instantiates the collaborator clients named in cfg and
// returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	// LLM: one backend, distinct models for the chat, intent and RAG stages.
	// The API key falls back to the backend's environment variable when unset.
	var llmOpts []anyllmlib.Option
	if cfg.LLM.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
	}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
	}
	chat, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.ChatModel, llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	ps.Chat = chat
	ps.Intent = chat.WithModel(cfg.LLM.IntentModel)
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider,
		"chat_model", cfg.LLM.ChatModel, "intent_model", cfg.LLM.IntentModel)

	if cfg.LLM.RAGModel != "" && cfg.LLM.RAGModel != cfg.LLM.ChatModel {
		ps.RAGChat = chat.WithModel(cfg.LLM.RAGModel)
		slog.Info("provider created", "kind", "llm", "role", "rag", "model", cfg.LLM.RAGModel)
	}

	// The agent loop may run against its own endpoint, e.g. a larger model
	// hosted elsewhere.
	if cfg.LLM.AgentBaseURL != "" {
		agentOpts := []anyllmlib.Option{anyllmlib.WithBaseURL(cfg.LLM.AgentBaseURL)}
		if cfg.LLM.APIKey != "" {
			agentOpts = append(agentOpts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		agent, err := anyllm.New(cfg.LLM.Provider, cfg.LLM.ChatModel, agentOpts...)
		if err != nil {
			return nil, fmt.Errorf("create agent llm provider: %w", err)
		}
		ps.AgentChat = agent
		slog.Info("provider created", "kind", "llm", "role", "agent", "base_url", cfg.LLM.AgentBaseURL)
	}

	if cfg.LLM.EmbedModel != "" {
		var embedOpts []oaembed.Option
		if cfg.LLM.BaseURL != "" {
			embedOpts = append(embedOpts, oaembed.WithBaseURL(cfg.LLM.BaseURL))
		}
		embedder, err := oaembed.New(cfg.LLM.APIKey, cfg.LLM.EmbedModel, embedOpts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		ps.Embeddings = embedder
		slog.Info("provider created", "kind", "embeddings", "model", cfg.LLM.EmbedModel)
	} else {
		slog.Warn("llm.embed_model is empty; intent ranking falls back to the full tool list")
	}

	if cfg.STT.Enabled {
		var sttOpts []whisper.Option
		if cfg.STT.Timeout > 0 {
			sttOpts = append(sttOpts, whisper.WithHTTPClient(&http.Client{Timeout: cfg.STT.Timeout}))
		}
		transcriber, err := whisper.New(cfg.STT.BaseURL, sttOpts...)
		if err != nil {
			return nil, fmt.Errorf("create stt provider: %w", err)
		}
		ps.STT = transcriber
		slog.Info("provider created", "kind", "stt", "base_url", cfg.STT.BaseURL)
	}

	if cfg.TTS.Enabled {
		var ttsOpts []piper.Option
		if cfg.TTS.Timeout > 0 {
			ttsOpts = append(ttsOpts, piper.WithTimeout(cfg.TTS.Timeout))
		}
		speech, err := piper.New(cfg.TTS.BaseURL, ttsOpts...)
		if err != nil {
			return nil, fmt.Errorf("create tts provider: %w", err)
		}
		ps.TTS = speech
		slog.Info("provider created", "kind", "tts", "base_url", cfg.TTS.BaseURL, "voice", cfg.TTS.Voice)
	}

	if cfg.RAG.Enabled {
		var ragOpts []rag.Option
		if cfg.RAG.Timeout > 0 {
			ragOpts = append(ragOpts, rag.WithHTTPClient(&http.Client{Timeout: cfg.RAG.Timeout}))
		}
		retriever, err := rag.New(cfg.RAG.BaseURL, ragOpts...)
		if err != nil {
			return nil, fmt.Errorf("create rag client: %w", err)
		}
		ps.Retriever = retriever
		slog.Info("provider created", "kind", "rag", "base_url", cfg.RAG.BaseURL)
	}

	return ps, nil
}

// ─── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Renfield — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("LLM", cfg.LLM.Provider+" / "+cfg.LLM.ChatModel)
	printLine("Embeddings", cfg.LLM.EmbedModel)
	printLine("STT", enabledURL(cfg.STT))
	printLine("TTS", enabledURL(cfg.TTS))
	printLine("RAG", enabledURL(cfg.RAG))
	if cfg.Store.PostgresDSN != "" {
		printLine("Store", "postgres")
	} else {
		printLine("Store", "in-memory")
	}
	fmt.Printf("║  Tool providers  : %-19d ║\n", len(cfg.Tools.Providers))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printLine(kind, value string) {
	if value == "" || value == " / " {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func enabledURL(c config.SpeechConfig) string {
	if !c.Enabled {
		return ""
	}
	return c.BaseURL
}
