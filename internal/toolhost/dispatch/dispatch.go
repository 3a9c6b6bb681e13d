// Package dispatch executes single tool invocations with a consistent result
// envelope.
//
// Every call flows through the same gauntlet: resolve the tool in the
// registry, validate arguments against the tool's JSON schema, consult the
// provider's circuit breaker and rate limiter, then invoke with a bounded
// timeout. Transport failures feed the breaker and may be retried once;
// application-level tool errors do not. Callers never receive a Go error
// from Dispatch — every outcome is a [Result].
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/renfield-hub/renfield/internal/resilience"
	"github.com/renfield-hub/renfield/internal/toolhost"
)

// DefaultCallTimeout bounds one provider call unless the tool's descriptor
// overrides it.
const DefaultCallTimeout = 10 * time.Second

// rateSlack is how long an over-budget call may wait for rate-limiter
// headroom before failing fast with KindRateLimited.
const rateSlack = 200 * time.Millisecond

// ErrorKind classifies a failed dispatch.
type ErrorKind string

const (
	KindUnknownTool         ErrorKind = "UnknownTool"
	KindInvalidArguments    ErrorKind = "InvalidArguments"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindRateLimited         ErrorKind = "RateLimited"
	KindToolTimeout         ErrorKind = "ToolTimeout"
	KindToolCancelled       ErrorKind = "ToolCancelled"
	KindToolInternalError   ErrorKind = "ToolInternalError"
)

// Error is the failure half of the dispatch envelope.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// Result is the uniform outcome of one dispatch. Exactly one of Value and
// Error is meaningful, selected by OK.
type Result struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error *Error `json:"error,omitempty"`
}

func failure(kind ErrorKind, retriable bool, format string, args ...any) Result {
	return Result{OK: false, Error: &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retriable: retriable,
	}}
}

// Catalog is the registry surface the dispatcher needs. *toolhost.Registry
// implements it.
type Catalog interface {
	Resolve(name string) (toolhost.ToolDescriptor, string, error)
	Call(ctx context.Context, name string, args map[string]any) (toolhost.CallOutput, error)
	ProviderConfigFor(providerName string) (toolhost.ProviderConfig, bool)
	ReportSuccess(providerName string)
	ReportFailure(providerName string, err error)
	Subscribe(l toolhost.Listener)
}

// Recorder receives per-call latency observations. Implemented by
// internal/observe; a nil Recorder disables recording.
type Recorder interface {
	RecordToolCall(provider, tool string, duration time.Duration, ok bool)
}

// Dispatcher executes tool calls. Safe for concurrent use.
type Dispatcher struct {
	catalog  Catalog
	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	limiters map[string]*rate.Limiter
	schemas  map[string]*jsonschema.Schema
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder wires latency recording.
func WithRecorder(rec Recorder) Option {
	return func(d *Dispatcher) { d.recorder = rec }
}

// New creates a Dispatcher over the given catalog. Compiled argument schemas
// are cached per tool and invalidated whenever the owning provider changes
// state.
func New(catalog Catalog, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:  catalog,
		breakers: make(map[string]*resilience.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		o(d)
	}
	catalog.Subscribe(func(ev toolhost.Event) {
		d.invalidateSchemas(ev.Provider)
	})
	return d
}

// Dispatch executes one tool call. It never returns a Go error; all
// outcomes, including validation and transport failures, are reported
// through the Result envelope. Cancellation of ctx propagates into the
// provider call.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any) Result {
	desc, _, err := d.catalog.Resolve(toolName)
	if err != nil {
		return failure(KindUnknownTool, false, "unknown tool %q", toolName)
	}

	if err := d.validateArgs(desc, args); err != nil {
		return failure(KindInvalidArguments, false, "invalid arguments for %q: %v", toolName, err)
	}

	breaker := d.breakerFor(desc.Provider)
	if err := breaker.Allow(); err != nil {
		// Short-circuit: does not count as a failure.
		return failure(KindProviderUnavailable, true, "provider %q circuit is open", desc.Provider)
	}

	if err := d.waitRate(ctx, desc.Provider); err != nil {
		// Not the provider's fault; release the admitted slot without an
		// outcome.
		breaker.Abandon()
		return failure(KindRateLimited, true, "provider %q over rate budget", desc.Provider)
	}

	start := time.Now()
	result := d.invoke(ctx, breaker, desc, toolName, args)
	if d.recorder != nil {
		d.recorder.RecordToolCall(desc.Provider, toolName, time.Since(start), result.OK)
	}
	return result
}

// invoke performs the provider call with timeout, breaker accounting and a
// single retry for retriable transport errors.
func (d *Dispatcher) invoke(ctx context.Context, breaker *resilience.CircuitBreaker, desc toolhost.ToolDescriptor, toolName string, args map[string]any) Result {
	timeout := desc.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	attempt := func() (toolhost.CallOutput, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.catalog.Call(cctx, toolName, args)
	}

	out, err := attempt()
	if err != nil {
		res, retry := d.classifyFailure(ctx, breaker, desc, toolName, err)
		if !retry {
			return res
		}

		select {
		case <-time.After(time.Duration(50+rand.Intn(100)) * time.Millisecond):
		case <-ctx.Done():
			return failure(KindToolCancelled, false, "tool %q cancelled", toolName)
		}

		out, err = attempt()
		if err != nil {
			res, _ := d.classifyFailure(ctx, breaker, desc, toolName, err)
			return res
		}
	}

	breaker.RecordSuccess()
	d.catalog.ReportSuccess(desc.Provider)

	if out.IsError {
		// The provider worked; the tool itself reported failure. Not a
		// transport failure, so the breaker is unaffected.
		return failure(KindToolInternalError, false, "%s", out.Content)
	}
	return Result{OK: true, Value: parseValue(out.Content)}
}

// classifyFailure turns a transport-level error into an envelope and decides
// whether one retry is warranted. Cancellation by the caller counts as
// neither success nor failure for the breaker; everything else feeds it.
func (d *Dispatcher) classifyFailure(ctx context.Context, breaker *resilience.CircuitBreaker, desc toolhost.ToolDescriptor, toolName string, err error) (Result, bool) {
	if ctx.Err() != nil {
		breaker.Abandon()
		return failure(KindToolCancelled, false, "tool %q cancelled", toolName), false
	}

	breaker.RecordFailure()
	d.catalog.ReportFailure(desc.Provider, err)

	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("tool call timed out", "tool", toolName, "provider", desc.Provider)
		return failure(KindToolTimeout, false, "tool %q timed out", toolName), false
	}

	if isRetriableTransport(err) {
		slog.Warn("tool call transport failure", "tool", toolName, "provider", desc.Provider, "error", err)
		return failure(KindToolInternalError, true, "tool %q transport failure: %v", toolName, err), true
	}
	return failure(KindToolInternalError, false, "tool %q failed: %v", toolName, err), false
}

// validateArgs checks args against the descriptor's JSON schema. The
// resulting error message is path-qualified by the jsonschema library.
func (d *Dispatcher) validateArgs(desc toolhost.ToolDescriptor, args map[string]any) error {
	schema, err := d.schemaFor(desc)
	if err != nil {
		// A broken schema must not block the call; the provider will do its
		// own validation.
		slog.Warn("unusable tool schema", "tool", desc.Name, "error", err)
		return nil
	}
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return schema.Validate(normalizeForSchema(args))
}

// schemaFor compiles and caches the descriptor's input schema.
func (d *Dispatcher) schemaFor(desc toolhost.ToolDescriptor) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.schemas[desc.Name]; ok {
		return s, nil
	}
	if desc.InputSchema == nil {
		d.schemas[desc.Name] = nil
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "inmemory://" + desc.Name + ".json"
	if err := compiler.AddResource(url, normalizeForSchema(desc.InputSchema)); err != nil {
		return nil, fmt.Errorf("dispatch: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("dispatch: compile schema: %w", err)
	}
	d.schemas[desc.Name] = schema
	return schema, nil
}

// invalidateSchemas drops cached schemas for one provider's tools.
func (d *Dispatcher) invalidateSchemas(provider string) {
	prefix := provider + toolhost.NameSeparator
	d.mu.Lock()
	for name := range d.schemas {
		if strings.HasPrefix(name, prefix) {
			delete(d.schemas, name)
		}
	}
	d.mu.Unlock()
}

// breakerFor returns the provider's breaker, creating it on first use.
func (d *Dispatcher) breakerFor(provider string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[provider]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: provider})
	d.breakers[provider] = b
	return b
}

// BreakerState exposes the provider's breaker state for status reporting.
func (d *Dispatcher) BreakerState(provider string) resilience.State {
	return d.breakerFor(provider).State()
}

// waitRate blocks up to rateSlack for rate-limiter headroom. Providers
// without a configured budget are unlimited.
func (d *Dispatcher) waitRate(ctx context.Context, provider string) error {
	limiter := d.limiterFor(provider)
	if limiter == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, rateSlack)
	defer cancel()
	return limiter.Wait(wctx)
}

// limiterFor returns the provider's limiter, creating it on first use from
// the configured per-minute budget. Returns nil for unlimited providers.
func (d *Dispatcher) limiterFor(provider string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.limiters[provider]; ok {
		return l
	}
	cfg, ok := d.catalog.ProviderConfigFor(provider)
	if !ok || cfg.RateLimit <= 0 {
		d.limiters[provider] = nil
		return nil
	}
	// Per-minute budget expressed as a steady rate with burst headroom for
	// short spikes.
	burst := cfg.RateLimit / 6
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/60.0), burst)
	d.limiters[provider] = l
	return l
}

// parseValue decodes JSON tool output when possible; non-JSON output is
// passed through as a string.
func parseValue(content string) any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return content
}

// normalizeForSchema round-trips a value through JSON so numeric types match
// what the schema validator expects.
func normalizeForSchema(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return v
	}
	return decoded
}

// isRetriableTransport reports whether a transport error is worth one retry:
// connection resets and 5xx-class failures.
func isRetriableTransport(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection reset", "broken pipe", "status 500", "status 502", "status 503", "status 504", "HTTP 5"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
