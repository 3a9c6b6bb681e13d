// Package app wires all Renfield subsystems into a running hub.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and sweeps device liveness until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithLearner, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/renfield-hub/renfield/internal/config"
	"github.com/renfield-hub/renfield/internal/convstore"
	"github.com/renfield-hub/renfield/internal/gateway"
	"github.com/renfield-hub/renfield/internal/health"
	"github.com/renfield-hub/renfield/internal/intent"
	"github.com/renfield-hub/renfield/internal/learn"
	"github.com/renfield-hub/renfield/internal/notify"
	"github.com/renfield-hub/renfield/internal/observe"
	"github.com/renfield-hub/renfield/internal/toolhost"
	"github.com/renfield-hub/renfield/internal/toolhost/dispatch"
	"github.com/renfield-hub/renfield/internal/turn"
	"github.com/renfield-hub/renfield/pkg/provider/embeddings"
	"github.com/renfield-hub/renfield/pkg/provider/llm"
	"github.com/renfield-hub/renfield/pkg/provider/stt"
	"github.com/renfield-hub/renfield/pkg/provider/tts"
	"github.com/renfield-hub/renfield/pkg/rag"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured; the corresponding feature degrades. Populated
// by main.go from the config.
type Providers struct {
	Chat       llm.Provider
	Intent     llm.Provider
	RAGChat    llm.Provider
	AgentChat  llm.Provider
	Embeddings embeddings.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Retriever  rag.Retriever
}

// App owns all subsystem lifetimes and assembles the hub's HTTP surface.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      convstore.Store
	learner    learn.Store
	notifier   *notify.Service
	registry   *toolhost.Registry
	dispatcher *dispatch.Dispatcher
	resolver   *intent.Resolver
	sessions   *turn.SessionRegistry
	engine     *turn.Engine
	devices    *gateway.DeviceRegistry
	gateway    *gateway.Gateway
	api        *gateway.API
	webhook    *notify.Webhook
	intake     *learn.Webhook
	health     *health.Handler
	metrics    *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s convstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLearner injects a correction store instead of creating one from config.
func WithLearner(s learn.Store) Option {
	return func(a *App) { a.learner = s }
}

// WithNotifier injects a notification service instead of creating one from
// config.
func WithNotifier(n *notify.Service) Option {
	return func(a *App) { a.notifier = n }
}

// WithRegistry injects a tool registry instead of connecting the configured
// providers.
func WithRegistry(r *toolhost.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles for any
// subsystem.
//
// New performs all initialisation synchronously: store connection and
// migration, tool provider connection, resolver and engine assembly, and the
// gateway's REST surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	a.metrics = observe.DefaultMetrics()

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Correction + memory store ─────────────────────────────────────
	if err := a.initLearner(ctx); err != nil {
		return nil, fmt.Errorf("app: init learner: %w", err)
	}

	// ── 3. Notifications ─────────────────────────────────────────────────
	if err := a.initNotify(ctx); err != nil {
		return nil, fmt.Errorf("app: init notify: %w", err)
	}

	// ── 4. Tool registry + dispatcher ────────────────────────────────────
	a.initTools(ctx)

	// ── 5. Resolver + turn engine ────────────────────────────────────────
	a.initEngine()

	// ── 6. Gateway + REST surface ────────────────────────────────────────
	a.initGateway()

	a.health = health.New(
		health.StoreCheck(a.store),
		health.ToolsCheck(a.registry),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL conversation store, or falls back to the
// in-memory store when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	if a.cfg.Store.PostgresDSN == "" {
		slog.Warn("no store.postgres_dsn configured; conversations will not survive restarts")
		a.store = convstore.NewMemory()
		return nil
	}

	pg, err := convstore.NewPostgres(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initLearner connects the pgvector-backed correction store. Memory capture
// and corrections work off the in-memory store when no DSN is configured.
func (a *App) initLearner(ctx context.Context) error {
	if a.learner != nil {
		return nil // injected
	}

	if a.cfg.Learn.PostgresDSN == "" {
		a.learner = learn.NewMemory()
		return nil
	}

	pg, err := learn.NewPostgres(ctx, a.cfg.Learn.PostgresDSN, a.cfg.Learn.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.learner = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initNotify sets up the notification service. The Postgres variant shares
// the conversation store's pool; otherwise notifications live in memory.
func (a *App) initNotify(ctx context.Context) error {
	if a.notifier != nil {
		return nil // injected
	}

	var store notify.Store
	if pg, ok := a.store.(*convstore.Postgres); ok {
		s, err := notify.NewPostgres(ctx, pg.Pool())
		if err != nil {
			return err
		}
		store = s
	} else {
		store = notify.NewMemory()
	}
	a.notifier = notify.NewService(store)
	return nil
}

// initTools connects the configured tool providers and builds the
// dispatcher. Providers that fail to connect stay registered as failed and
// are retried via POST /api/tools/refresh.
func (a *App) initTools(ctx context.Context) {
	if a.registry == nil {
		a.registry = toolhost.NewRegistry(a.cfg.Tools.ToolhostConfig())
		a.closers = append(a.closers, func() error {
			a.registry.Close()
			return nil
		})
		ready := a.registry.Refresh(ctx)
		slog.Info("tool providers connected", "ready", ready, "configured", len(a.cfg.Tools.Providers))
	}

	a.dispatcher = dispatch.New(a.registry, dispatch.WithRecorder(a.metrics))
}

// initEngine assembles the intent resolver, session registry and turn engine.
func (a *App) initEngine() {
	resolverOpts := []intent.Option{intent.WithLearner(a.learner)}
	if a.cfg.Features.IsProactiveEnabled() {
		resolverOpts = append(resolverOpts, intent.WithNotifier(a.notifier))
	}
	if a.providers.Retriever != nil {
		resolverOpts = append(resolverOpts, intent.WithRetriever(a.providers.Retriever))
	}

	a.resolver = intent.NewResolver(intent.Config{
		AgentEnabled:  a.cfg.Features.IsAgentEnabled(),
		MemoryEnabled: a.cfg.Features.IsMemoryEnabled(),
	}, a.providers.Intent, a.providers.Embeddings, a.registry, resolverOpts...)

	a.sessions = turn.NewSessionRegistry()

	engineOpts := []turn.EngineOption{}
	if a.providers.TTS != nil {
		engineOpts = append(engineOpts, turn.WithSpeech(a.providers.TTS))
	}
	if a.cfg.Features.IsProactiveEnabled() {
		engineOpts = append(engineOpts, turn.WithNotifier(a.notifier))
	}
	if a.providers.RAGChat != nil {
		engineOpts = append(engineOpts, turn.WithRAGChat(a.providers.RAGChat))
	}
	if a.providers.AgentChat != nil {
		engineOpts = append(engineOpts, turn.WithAgentChat(a.providers.AgentChat))
	}

	a.engine = turn.NewEngine(turn.Config{
		TTSTimeout: a.cfg.TTS.Timeout,
		Voice:      tts.VoiceProfile{ID: a.cfg.TTS.Voice},
	}, a.store, a.resolver, a.dispatcher, a.providers.Chat, a.registry, a.sessions, engineOpts...)
}

// initGateway builds the device gateway and the REST API over it.
func (a *App) initGateway() {
	a.devices = gateway.NewDeviceRegistry()

	gwCfg := gateway.Config{HeartbeatTolerance: a.cfg.Gateway.HeartbeatTolerance}
	if len(a.cfg.Gateway.WakeWords) > 0 || a.cfg.Gateway.WakeThreshold > 0 {
		gwCfg.DeviceConfig = &gateway.DeviceConfig{
			WakeWords: a.cfg.Gateway.WakeWords,
			Threshold: a.cfg.Gateway.WakeThreshold,
		}
	}

	gwOpts := []gateway.GatewayOption{}
	if a.providers.STT != nil {
		gwOpts = append(gwOpts, gateway.WithTranscriber(a.providers.STT))
	}
	if a.cfg.Features.IsProactiveEnabled() {
		gwOpts = append(gwOpts, gateway.WithNotifier(a.notifier))
	}
	a.gateway = gateway.New(gwCfg, a.engine, a.devices, gwOpts...)

	a.api = gateway.NewAPI(a.store, a.engine, a.registry)
	if a.cfg.Features.IsProactiveEnabled() {
		a.webhook = notify.NewWebhook(a.notifier)
	}
	if a.providers.Embeddings != nil {
		a.intake = learn.NewWebhook(a.learner, a.providers.Embeddings)
	}
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// Handler assembles the hub's full HTTP surface: the WebSocket endpoint, the
// REST API, the notification and correction intakes, health probes and
// optionally the Prometheus scrape endpoint, all behind the tracing
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", a.gateway.HandleWS)
	a.api.Register(mux)
	a.health.Register(mux)
	if a.webhook != nil {
		a.webhook.Register(mux)
	}
	if a.intake != nil {
		a.intake.Register(mux)
	}
	if a.cfg.Features.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and sweeps device liveness until
// ctx is cancelled, then drains the server gracefully. A serve failure (for
// example, a busy port) is returned immediately.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.gateway.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("hub running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"tools", len(a.registry.Tools()),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("http drain incomplete", "error", err)
		_ = srv.Close()
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
