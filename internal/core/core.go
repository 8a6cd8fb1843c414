// Package core wires one providerclient.Client per ProviderBinding and
// exposes the Send/Stream facade spec §6 names as the core's entire
// inbound contract. Everything upstream of this package — routing,
// config loading, the HTTP front-end — is explicitly out of scope for
// the core itself (spec §1) and talks to it only through Gateway.
package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/credential"
	"github.com/anthropic-gateway/core/internal/errs"
	"github.com/anthropic-gateway/core/internal/providerclient"
)

// defaultHTTPTimeout matches spec §5's per-binding default (120s).
const defaultHTTPTimeout = 120 * time.Second

// Gateway holds one providerclient.Client per configured binding,
// keyed by binding name, and dispatches a CanonicalRequest to the
// right one. The core never picks a binding for a request itself
// (spec §1's routing non-goal) — callers resolve (provider,
// upstreamModel) before calling Send/Stream.
type Gateway struct {
	clients map[string]*providerclient.Client
}

// Refresher is implemented per provider kind by the (out-of-core)
// config/bootstrap layer — it knows how to call each upstream's token
// endpoint. Bindings that never need a refresh (static API keys) can
// pass a Refresher that always fails; it is only called when a
// credential nears expiry or an upstream answers 401/403, and
// ValidateAtStartup does not call it.
type Refresher = credential.Refresher

// BindingSetup is everything New needs to build one binding's Client:
// the binding itself plus the refresher and optional persistence store
// its credential manager should use.
type BindingSetup struct {
	Binding   *canonical.ProviderBinding
	Refresher Refresher
	Store     credential.Store
	HTTP      *http.Client
}

// New builds a Gateway from a set of bindings. Per spec §4.5, invalid
// or near-expired credentials are never fatal at this stage — New
// always succeeds and returns the startup warnings for the caller to
// log, rather than aborting process startup over one bad credential.
func New(setups []BindingSetup) (*Gateway, []string, error) {
	gw := &Gateway{clients: make(map[string]*providerclient.Client, len(setups))}
	var warnings []string

	for _, s := range setups {
		if s.Binding == nil {
			return nil, nil, fmt.Errorf("core: nil binding in setup list")
		}
		if _, exists := gw.clients[s.Binding.Name]; exists {
			return nil, nil, fmt.Errorf("core: duplicate binding name %q", s.Binding.Name)
		}

		httpClient := s.HTTP
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}

		mgr := credential.NewManager(s.Binding.Name, s.Binding.Credentials, s.Binding.Rotation, s.Refresher, s.Store)
		warnings = append(warnings, mgr.ValidateAtStartup()...)

		client, err := providerclient.New(s.Binding, mgr, httpClient)
		if err != nil {
			return nil, nil, fmt.Errorf("core: building client for binding %q: %w", s.Binding.Name, err)
		}
		gw.clients[s.Binding.Name] = client
	}

	return gw, warnings, nil
}

// Binding resolves the Client for a binding name, surfacing an
// InvalidRequest error if the front-end asked for one the gateway was
// never configured with — this is the one place the core validates
// something about binding selection, since it's a precondition for
// Send/Stream to do anything at all, not a routing policy decision.
func (g *Gateway) Binding(name string) (*providerclient.Client, error) {
	c, ok := g.clients[name]
	if !ok {
		return nil, errs.Invalid("core: no binding configured named %q", name)
	}
	return c, nil
}

// Send executes req against the named binding non-streaming (spec §6).
func (g *Gateway) Send(ctx context.Context, binding string, req *canonical.CanonicalRequest) (*canonical.CanonicalResponse, error) {
	c, err := g.Binding(binding)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

// Stream executes req against the named binding in streaming mode,
// returning the complete ordered StreamingEvent sequence (spec §6).
// The core computes the whole sequence before returning it; the
// (out-of-scope) front-end owns turning that into HTTP chunking.
func (g *Gateway) Stream(ctx context.Context, binding string, req *canonical.CanonicalRequest) ([]canonical.StreamingEvent, error) {
	c, err := g.Binding(binding)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, req)
}
