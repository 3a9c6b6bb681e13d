// Package toolhost maintains the authoritative catalog of tools offered by
// external tool providers.
//
// Each provider is a separate MCP server reached over one of three
// transports (child-process stdio, long-poll HTTP, streaming HTTP). The
// [Registry] connects enabled providers, imports their tool catalogues under
// the `{provider}__{tool}` namespace, tracks per-provider connection state,
// and notifies subscribers of state transitions. Tools are visible to
// callers only while their provider is ready or degraded.
package toolhost

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NameSeparator joins provider and tool names. Neither part may contain it,
// which makes cross-provider collisions impossible by construction.
const NameSeparator = "__"

// ErrUnknownTool is returned by [Registry.Resolve] when no visible tool
// matches the requested name.
var ErrUnknownTool = errors.New("toolhost: unknown tool")

// Transport selects how a provider is reached.
type Transport string

const (
	// TransportStdio launches the provider as a child process speaking
	// line-delimited JSON on stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportHTTP reaches the provider over long-poll HTTP (server-sent
	// events for responses).
	TransportHTTP Transport = "http"

	// TransportStreamableHTTP reaches the provider over the streamable HTTP
	// transport with incremental results.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportStreamableHTTP:
		return true
	}
	return false
}

// ProviderState is the connection state of one provider.
type ProviderState string

const (
	StateDisconnected ProviderState = "disconnected"
	StateConnecting   ProviderState = "connecting"
	StateReady        ProviderState = "ready"
	StateDegraded     ProviderState = "degraded"
	StateFailed       ProviderState = "failed"
)

// ProviderConfig describes one provider as configured out of band.
type ProviderConfig struct {
	// Name is the provider identity and the namespace prefix of its tools.
	// Must not contain NameSeparator.
	Name string

	// Enabled gates whether the registry attempts to connect at all.
	Enabled bool

	// Transport selects the connection mechanism.
	Transport Transport

	// Command is the child-process command line for TransportStdio.
	Command string

	// URL is the endpoint for the HTTP transports.
	URL string

	// Env holds additional environment variables for stdio providers.
	Env map[string]string

	// RateLimit is the per-minute call budget enforced by the dispatcher.
	// Zero means unlimited.
	RateLimit int

	// CallTimeout overrides the dispatcher's default per-call timeout for
	// this provider's tools. Zero keeps the default.
	CallTimeout time.Duration
}

// ProviderStatus is one row of [Registry.Status].
type ProviderStatus struct {
	Name      string
	State     ProviderState
	Transport Transport
	ToolCount int
	LastError string
}

// ToolDescriptor describes one callable tool in the flat namespace.
type ToolDescriptor struct {
	// Name is the prefixed name `{provider}__{tool}`.
	Name string

	// Description is the provider-supplied human description.
	Description string

	// InputSchema is the JSON-schema input contract.
	InputSchema map[string]any

	// Provider is the owning provider's name.
	Provider string

	// CallTimeout, when non-zero, overrides the dispatcher's default per-call
	// timeout.
	CallTimeout time.Duration
}

// JoinName builds the namespaced tool name. It returns an error if either
// part is empty or contains the separator.
func JoinName(provider, tool string) (string, error) {
	if provider == "" || tool == "" {
		return "", fmt.Errorf("toolhost: empty name part (provider=%q, tool=%q)", provider, tool)
	}
	if strings.Contains(provider, NameSeparator) || strings.Contains(tool, NameSeparator) {
		return "", fmt.Errorf("toolhost: name part contains %q (provider=%q, tool=%q)", NameSeparator, provider, tool)
	}
	return provider + NameSeparator + tool, nil
}

// SplitName splits a namespaced tool name into provider and original tool
// name.
func SplitName(name string) (provider, tool string, err error) {
	provider, tool, ok := strings.Cut(name, NameSeparator)
	if !ok || provider == "" || tool == "" {
		return "", "", fmt.Errorf("%w: malformed name %q", ErrUnknownTool, name)
	}
	return provider, tool, nil
}
