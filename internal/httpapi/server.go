// Package httpapi exposes the relay over HTTP: the event stream endpoint,
// message submission, the tool listing and execution proxies, health and
// metrics. Handlers validate input, translate errors to JSON responses and
// leave all session state to the relay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/logging"
	"github.com/sserelay/relay/internal/metrics"
	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/relay"
)

// ServerConfig holds tunable parameters for the HTTP server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":3000"
	ServerName        string        // reported by /health
	ReadHeaderTimeout time.Duration // bound on reading request headers
	MaxBodyBytes      int64         // cap on JSON request bodies
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
// No write timeout is set: event streams stay open indefinitely.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":3000",
		ServerName:        "relay",
		ReadHeaderTimeout: 10 * time.Second,
		MaxBodyBytes:      4 << 20,
	}
}

// Provider serves the non-streamed upstream calls. *upstream.Client
// implements it.
type Provider interface {
	ListTools(ctx context.Context, creds protocol.Credentials) (json.RawMessage, error)
	Complete(ctx context.Context, creds protocol.Credentials, messages []protocol.Message) (json.RawMessage, error)
}

// Forwarder hands a submit to the instance owning its session.
// *cluster.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, req protocol.SubmitRequest) (protocol.ForwardReply, error)
}

// Server is the relay's HTTP front end.
type Server struct {
	config     ServerConfig
	relay      *relay.Relay
	provider   Provider
	forwarder  Forwarder // nil without cluster forwarding
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a Server. forwarder may be nil.
func NewServer(config ServerConfig, r *relay.Relay, provider Provider, forwarder Forwarder) *Server {
	s := &Server{
		config:    config,
		relay:     r,
		provider:  provider,
		forwarder: forwarder,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the full handler chain: logging, CORS and routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages", s.handleMessages)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return logging.Middleware(corsHandler(mux))
}

// Start begins accepting connections and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	log.WithFields(log.Fields{
		"addr":   ln.Addr().String(),
		"server": s.config.ServerName,
	}).Info("httpapi: server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: http server error: %w", err)
	}
	return nil
}

// Shutdown ends every open event stream through the relay, then stops the
// HTTP server. Streams are ended first because http.Server.Shutdown waits
// for active handlers, and stream handlers only return once their session
// is gone.
func (s *Server) Shutdown(ctx context.Context) error {
	relayErr := s.relay.Shutdown(ctx)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Join(relayErr, fmt.Errorf("httpapi: shutdown: %w", err))
	}
	return relayErr
}

// handleHealth responds with the server's health status as JSON, including the
// current session count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthBody{
		Status:   protocol.StatusOK,
		Server:   s.config.ServerName,
		Sessions: s.relay.Count(),
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
	})
}
