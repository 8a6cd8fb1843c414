// Package server is a thin, illustrative HTTP front-end over the core's
// Send/Stream facade. Routing, inbound auth, and model→binding
// selection policy are all out of scope for the core itself (spec §1);
// this package exists only to show one concrete way a caller might
// drive it, modeled on the teacher's chi-based router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anthropic-gateway/core/internal/core"
)

// Server holds the HTTP router and the Gateway it dispatches requests
// to, plus the model→binding table the (out-of-core) operator decides.
type Server struct {
	router  chi.Router
	gateway *core.Gateway

	// bindingFor maps a canonical model name to the binding name that
	// should serve it. The front-end owns this lookup; the core never
	// picks a binding for a request itself (spec §1 routing non-goal).
	bindingFor map[string]string
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(gw *core.Gateway, bindingFor map[string]string) *Server {
	s := &Server{gateway: gw, bindingFor: bindingFor}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
