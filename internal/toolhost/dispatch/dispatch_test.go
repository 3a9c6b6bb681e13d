package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/renfield-hub/renfield/internal/resilience"
	"github.com/renfield-hub/renfield/internal/toolhost"
)

// fakeCatalog is an in-memory Catalog.
type fakeCatalog struct {
	mu      sync.Mutex
	tools   map[string]toolhost.ToolDescriptor
	configs map[string]toolhost.ProviderConfig

	callErr error
	output  toolhost.CallOutput
	calls   int
	block   time.Duration
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		tools:   make(map[string]toolhost.ToolDescriptor),
		configs: make(map[string]toolhost.ProviderConfig),
	}
}

func (f *fakeCatalog) addTool(provider, tool string, schema map[string]any) string {
	name := provider + toolhost.NameSeparator + tool
	f.tools[name] = toolhost.ToolDescriptor{
		Name:        name,
		Provider:    provider,
		InputSchema: schema,
	}
	if _, ok := f.configs[provider]; !ok {
		f.configs[provider] = toolhost.ProviderConfig{Name: provider, Enabled: true}
	}
	return name
}

func (f *fakeCatalog) Resolve(name string) (toolhost.ToolDescriptor, string, error) {
	d, ok := f.tools[name]
	if !ok {
		return toolhost.ToolDescriptor{}, "", fmt.Errorf("%w: %q", toolhost.ErrUnknownTool, name)
	}
	_, original, _ := toolhost.SplitName(name)
	return d, original, nil
}

func (f *fakeCatalog) Call(ctx context.Context, _ string, _ map[string]any) (toolhost.CallOutput, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	err := f.callErr
	out := f.output
	f.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return toolhost.CallOutput{}, ctx.Err()
		}
	}
	if err != nil {
		return toolhost.CallOutput{}, err
	}
	return out, nil
}

func (f *fakeCatalog) ProviderConfigFor(name string) (toolhost.ProviderConfig, bool) {
	cfg, ok := f.configs[name]
	return cfg, ok
}

func (f *fakeCatalog) ReportSuccess(string)        {}
func (f *fakeCatalog) ReportFailure(string, error) {}
func (f *fakeCatalog) Subscribe(toolhost.Listener) {}

func (f *fakeCatalog) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var lightSchema = map[string]any{
	"type":     "object",
	"required": []any{"entity_id"},
	"properties": map[string]any{
		"entity_id":  map[string]any{"type": "string"},
		"brightness": map[string]any{"type": "integer", "minimum": float64(0), "maximum": float64(255)},
	},
}

func TestDispatchUnknownTool(t *testing.T) {
	d := New(newFakeCatalog())
	res := d.Dispatch(context.Background(), "nope__tool", nil)
	if res.OK || res.Error == nil || res.Error.Kind != KindUnknownTool {
		t.Fatalf("result = %+v, want UnknownTool", res)
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("homeassistant", "turn_on", lightSchema)
	fc.output = toolhost.CallOutput{Content: `{"state":"on"}`}
	d := New(fc)

	tests := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"valid", map[string]any{"entity_id": "light.kitchen"}, true},
		{"missing required", map[string]any{}, false},
		{"wrong type", map[string]any{"entity_id": 42}, false},
		{"out of range", map[string]any{"entity_id": "light.kitchen", "brightness": 999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), name, tt.args)
			if res.OK != tt.ok {
				t.Fatalf("OK = %v, want %v (result %+v)", res.OK, tt.ok, res)
			}
			if !tt.ok {
				if res.Error.Kind != KindInvalidArguments {
					t.Errorf("Kind = %v, want InvalidArguments", res.Error.Kind)
				}
				if res.Error.Message == "" {
					t.Error("empty validation message")
				}
			}
		})
	}

	// Validation failures must never reach the provider.
	if got := fc.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1 (only the valid dispatch)", got)
	}
}

func TestDispatchSuccessParsesJSON(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("weather", "get_current", nil)
	fc.output = toolhost.CallOutput{Content: `{"temp": 21.5, "unit": "C"}`}
	d := New(fc)

	res := d.Dispatch(context.Background(), name, nil)
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	m, ok := res.Value.(map[string]any)
	if !ok {
		t.Fatalf("Value type = %T, want map", res.Value)
	}
	if m["unit"] != "C" {
		t.Errorf("Value = %+v", m)
	}
}

func TestDispatchToolReportedError(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("homeassistant", "turn_on", nil)
	fc.output = toolhost.CallOutput{Content: "entity not found", IsError: true}
	d := New(fc)

	res := d.Dispatch(context.Background(), name, nil)
	if res.OK || res.Error.Kind != KindToolInternalError || res.Error.Retriable {
		t.Fatalf("result = %+v, want terminal ToolInternalError", res)
	}
	// Application-level errors must not feed the breaker.
	if d.BreakerState("homeassistant") != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", d.BreakerState("homeassistant"))
	}
}

func TestDispatchRetriesTransportErrorOnce(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("weather", "get_current", nil)
	fc.callErr = errors.New("read tcp: connection reset by peer")
	d := New(fc)

	res := d.Dispatch(context.Background(), name, nil)
	if res.OK {
		t.Fatalf("result = %+v, want failure", res)
	}
	if got := fc.callCount(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry)", got)
	}
	if res.Error.Kind != KindToolInternalError || !res.Error.Retriable {
		t.Errorf("error = %+v, want retriable ToolInternalError", res.Error)
	}
}

func TestDispatchTerminalErrorNoRetry(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("weather", "get_current", nil)
	fc.callErr = errors.New("malformed response")
	d := New(fc)

	res := d.Dispatch(context.Background(), name, nil)
	if res.OK || res.Error.Retriable {
		t.Fatalf("result = %+v, want terminal failure", res)
	}
	if got := fc.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("slow", "crawl", nil)
	fc.configs["slow"] = toolhost.ProviderConfig{Name: "slow", Enabled: true}
	fc.tools[name] = toolhost.ToolDescriptor{
		Name:        name,
		Provider:    "slow",
		CallTimeout: 20 * time.Millisecond,
	}
	fc.block = time.Second
	d := New(fc)

	res := d.Dispatch(context.Background(), name, nil)
	if res.OK || res.Error.Kind != KindToolTimeout {
		t.Fatalf("result = %+v, want ToolTimeout", res)
	}
}

func TestDispatchCancellation(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("slow", "crawl", nil)
	fc.block = time.Second
	d := New(fc)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := d.Dispatch(ctx, name, nil)
	if res.OK || res.Error.Kind != KindToolCancelled {
		t.Fatalf("result = %+v, want ToolCancelled", res)
	}
	// Caller cancellation must not feed the breaker.
	if d.BreakerState("slow") != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", d.BreakerState("slow"))
	}
}

func TestDispatchOpenBreakerShortCircuits(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("flaky", "op", nil)
	fc.callErr = errors.New("boom")
	d := New(fc)

	// Trip the breaker: each dispatch records failures for its attempts.
	for i := 0; i < 5; i++ {
		_ = d.Dispatch(context.Background(), name, nil)
		if d.BreakerState("flaky") == resilience.StateOpen {
			break
		}
	}
	if d.BreakerState("flaky") != resilience.StateOpen {
		t.Fatalf("breaker did not open")
	}

	before := fc.callCount()
	res := d.Dispatch(context.Background(), name, nil)
	if res.OK || res.Error.Kind != KindProviderUnavailable {
		t.Fatalf("result = %+v, want ProviderUnavailable", res)
	}
	if fc.callCount() != before {
		t.Error("short-circuited dispatch still reached the provider")
	}
	if d.BreakerState("flaky") != resilience.StateOpen {
		t.Error("short-circuit changed breaker state")
	}
}

func TestDispatchRateLimited(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("budget", "op", nil)
	fc.configs["budget"] = toolhost.ProviderConfig{Name: "budget", Enabled: true, RateLimit: 6}
	fc.output = toolhost.CallOutput{Content: "ok"}
	d := New(fc)

	// Burst for 6/min is 1; the first call consumes it, the second cannot
	// acquire a token within the 200ms slack (refill is one per 10s).
	first := d.Dispatch(context.Background(), name, nil)
	if !first.OK {
		t.Fatalf("first call = %+v", first)
	}
	second := d.Dispatch(context.Background(), name, nil)
	if second.OK || second.Error.Kind != KindRateLimited {
		t.Fatalf("second call = %+v, want RateLimited", second)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"plain text", "plain text"},
		{`{"a":1}`, map[string]any{"a": float64(1)}},
		{`[1,2]`, []any{float64(1), float64(2)}},
		{"{not json", "{not json"},
	}
	for _, tt := range tests {
		got := parseValue(tt.in)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestValidationMessageIsPathQualified(t *testing.T) {
	fc := newFakeCatalog()
	name := fc.addTool("homeassistant", "turn_on", lightSchema)
	d := New(fc)

	res := d.Dispatch(context.Background(), name, map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": 999,
	})
	if res.OK {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(res.Error.Message, "brightness") {
		t.Errorf("message %q does not name the failing path", res.Error.Message)
	}
}
