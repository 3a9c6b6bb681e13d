package toolhost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CallOutput is the raw outcome of one provider tool invocation. IsError
// marks an application-level failure reported by the tool itself; transport
// failures surface as Go errors instead.
type CallOutput struct {
	Content string
	IsError bool
}

// providerSession is a live connection to one provider. The production
// implementation speaks MCP (see mcpConnector); tests inject fakes.
type providerSession interface {
	// ListTools performs the list-tools handshake and returns the provider's
	// catalogue with unprefixed names.
	ListTools(ctx context.Context) ([]RawTool, error)

	// Call invokes one tool by its original (unprefixed) name.
	Call(ctx context.Context, tool string, args map[string]any) (CallOutput, error)

	Close() error
}

// RawTool is one catalogue entry as reported by a provider.
type RawTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// connectFunc establishes a session for one provider.
type connectFunc func(ctx context.Context, cfg ProviderConfig) (providerSession, error)

// Event is delivered to subscribers on every provider-state transition.
type Event struct {
	Provider string
	From     ProviderState
	To       ProviderState
}

// Listener receives provider-state transitions. Called synchronously; must
// not block.
type Listener func(Event)

type providerEntry struct {
	cfg     ProviderConfig
	state   ProviderState
	lastErr string
	session providerSession
	tools   []ToolDescriptor
}

// Registry owns the provider lifecycle and the flat tool namespace.
// Safe for concurrent use.
type Registry struct {
	configs        []ProviderConfig
	connect        connectFunc
	connectTimeout time.Duration

	// refreshMu serializes Refresh so concurrent calls converge to one state.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	providers map[string]*providerEntry
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithConnectTimeout bounds each provider's connect+handshake during Refresh.
// Default: 15s.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) { r.connectTimeout = d }
}

// withConnector replaces the MCP connector, for tests.
func withConnector(fn connectFunc) Option {
	return func(r *Registry) { r.connect = fn }
}

// NewRegistry creates a Registry for the given provider configurations.
// Providers start disconnected; call [Registry.Refresh] to connect.
func NewRegistry(configs []ProviderConfig, opts ...Option) *Registry {
	r := &Registry{
		configs:        configs,
		connect:        newMCPConnector().connect,
		connectTimeout: 15 * time.Second,
		providers:      make(map[string]*providerEntry),
	}
	for _, o := range opts {
		o(r)
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		r.providers[cfg.Name] = &providerEntry{cfg: cfg, state: StateDisconnected}
	}
	return r
}

// Refresh reconnects all enabled providers in parallel. It never returns an
// error: per-provider failures are reflected in that provider's state and
// last-error. The return value is the number of providers that ended up
// ready.
func (r *Registry) Refresh(ctx context.Context) int {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			r.refreshOne(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	ready := 0
	r.mu.RLock()
	for _, e := range r.providers {
		if e.state == StateReady {
			ready++
		}
	}
	r.mu.RUnlock()
	return ready
}

// refreshOne reconnects a single provider and updates its state.
func (r *Registry) refreshOne(ctx context.Context, name string) {
	r.mu.Lock()
	entry, ok := r.providers[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	cfg := entry.cfg
	old := entry.session
	entry.session = nil
	entry.tools = nil
	r.setStateLocked(entry, StateConnecting, "")
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	session, err := r.connect(cctx, cfg)
	if err != nil {
		r.failProvider(name, fmt.Errorf("connect: %w", err))
		return
	}

	raw, err := session.ListTools(cctx)
	if err != nil {
		_ = session.Close()
		r.failProvider(name, fmt.Errorf("list tools: %w", err))
		return
	}

	tools := make([]ToolDescriptor, 0, len(raw))
	for _, t := range raw {
		full, err := JoinName(cfg.Name, t.Name)
		if err != nil {
			slog.Warn("skipping tool with unusable name",
				"provider", cfg.Name, "tool", t.Name, "error", err)
			continue
		}
		tools = append(tools, ToolDescriptor{
			Name:        full,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Provider:    cfg.Name,
			CallTimeout: cfg.CallTimeout,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	r.mu.Lock()
	entry.session = session
	entry.tools = tools
	r.setStateLocked(entry, StateReady, "")
	r.mu.Unlock()

	slog.Info("tool provider connected",
		"provider", cfg.Name, "transport", cfg.Transport, "tools", len(tools))
}

func (r *Registry) failProvider(name string, err error) {
	r.mu.Lock()
	entry, ok := r.providers[name]
	if ok {
		r.setStateLocked(entry, StateFailed, err.Error())
	}
	r.mu.Unlock()
	slog.Warn("tool provider failed", "provider", name, "error", err)
}

// setStateLocked transitions a provider and notifies listeners. Callers must
// hold r.mu; listeners are invoked after the lock is released.
func (r *Registry) setStateLocked(entry *providerEntry, to ProviderState, lastErr string) {
	from := entry.state
	entry.state = to
	entry.lastErr = lastErr
	if from == to {
		return
	}
	ev := Event{Provider: entry.cfg.Name, From: from, To: to}
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	go func() {
		for _, l := range listeners {
			l(ev)
		}
	}()
}

// Status returns one row per configured-and-enabled provider, sorted by name.
func (r *Registry) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, ProviderStatus{
			Name:      e.cfg.Name,
			State:     e.state,
			Transport: e.cfg.Transport,
			ToolCount: len(e.tools),
			LastError: e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns the flat descriptor list across all ready and degraded
// providers, sorted by name. Tools of failed or disconnected providers are
// not exposed.
func (r *Registry) Tools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDescriptor
	for _, e := range r.providers {
		if e.state == StateReady || e.state == StateDegraded {
			out = append(out, e.tools...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve splits the namespaced tool name and returns the descriptor plus
// the original (unprefixed) tool name. ErrUnknownTool is returned when the
// name is malformed, the provider is unknown or not visible, or the provider
// does not offer the tool.
func (r *Registry) Resolve(name string) (ToolDescriptor, string, error) {
	providerName, original, err := SplitName(name)
	if err != nil {
		return ToolDescriptor{}, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.providers[providerName]
	if !ok || (entry.state != StateReady && entry.state != StateDegraded) {
		return ToolDescriptor{}, "", fmt.Errorf("%w: provider %q not available", ErrUnknownTool, providerName)
	}
	for _, d := range entry.tools {
		if d.Name == name {
			return d, original, nil
		}
	}
	return ToolDescriptor{}, "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Call invokes a tool on its provider by namespaced name. The caller is the
// dispatcher, which has already resolved and validated the call; Call still
// re-resolves so a provider that dropped out between validation and
// invocation surfaces an error instead of a stale session.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (CallOutput, error) {
	providerName, original, err := SplitName(name)
	if err != nil {
		return CallOutput{}, err
	}

	r.mu.RLock()
	entry, ok := r.providers[providerName]
	var session providerSession
	if ok {
		session = entry.session
	}
	r.mu.RUnlock()

	if !ok || session == nil {
		return CallOutput{}, fmt.Errorf("%w: provider %q not connected", ErrUnknownTool, providerName)
	}
	return session.Call(ctx, original, args)
}

// ReportSuccess records a successful call. A degraded provider returns to
// ready.
func (r *Registry) ReportSuccess(providerName string) {
	r.mu.Lock()
	if entry, ok := r.providers[providerName]; ok && entry.state == StateDegraded {
		r.setStateLocked(entry, StateReady, "")
	}
	r.mu.Unlock()
}

// ReportFailure records a transient call failure (not a handshake failure).
// A ready provider becomes degraded; its tools stay visible but the
// dispatcher's circuit breaker may short-circuit calls.
func (r *Registry) ReportFailure(providerName string, err error) {
	r.mu.Lock()
	if entry, ok := r.providers[providerName]; ok && entry.state == StateReady {
		r.setStateLocked(entry, StateDegraded, err.Error())
	}
	r.mu.Unlock()
}

// Subscribe registers a listener for provider-state transitions.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// ProviderConfigFor returns the configuration of the named provider.
func (r *Registry) ProviderConfigFor(providerName string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.providers[providerName]
	if !ok {
		return ProviderConfig{}, false
	}
	return entry.cfg, true
}

// Close disconnects all providers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.providers {
		if e.session != nil {
			_ = e.session.Close()
			e.session = nil
		}
		e.state = StateDisconnected
		e.tools = nil
	}
}
