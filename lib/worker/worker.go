// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/secret"
	"github.com/consolegate/consolegate/lib/service"
)

// Environment variable names, shared with the supervisor.
const (
	EnvModule       = "CONSOLEGATE_MODULE"
	EnvSocket       = "CONSOLEGATE_SOCKET"
	EnvLocale       = "CONSOLEGATE_LOCALE"
	EnvAssertionKey = "CONSOLEGATE_ASSERTION_KEY"
)

// Request is one command invocation.
type Request struct {
	ID      string
	Command string
	Method  string
	Flavor  string
	Locale  string
	Options map[string]any

	// Identity is the verified assertion, nil when the server runs
	// without an assertion key.
	Identity *identity.Assertion

	// Credential is the caller's credential, if forwarded. Closed
	// when the handler returns.
	Credential *secret.Buffer
}

// Handler implements one method. The result is encoded as JSON.
type Handler func(ctx context.Context, request *Request) (any, error)

// Error is a failure with a specific status. Other errors become 500.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errorf builds an Error.
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Config configures a Server.
type Config struct {
	Module string
	Socket string
	Locale string

	// AssertionKey verifies identity assertions. When nil, requests
	// are accepted without one.
	AssertionKey ed25519.PublicKey

	Logger *slog.Logger
}

// Server dispatches gateway requests to handlers.
type Server struct {
	config   Config
	logger   *slog.Logger
	handlers map[string]Handler
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a Server. Register handlers before serving.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:   config,
		logger:   logger.With("module", config.Module),
		handlers: make(map[string]Handler),
		now:      time.Now,
		inflight: make(map[string]context.CancelFunc),
	}
}

// FromEnvironment configures a Server from the spawn environment.
func FromEnvironment(logger *slog.Logger) (*Server, error) {
	config := Config{
		Module: os.Getenv(EnvModule),
		Socket: os.Getenv(EnvSocket),
		Locale: os.Getenv(EnvLocale),
		Logger: logger,
	}
	if config.Module == "" || config.Socket == "" {
		return nil, fmt.Errorf("%s and %s must be set; workers are started by the gateway", EnvModule, EnvSocket)
	}
	if encoded := os.Getenv(EnvAssertionKey); encoded != "" {
		key, err := identity.ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvAssertionKey, err)
		}
		config.AssertionKey = key
	}
	return New(config), nil
}

// Module returns the module id the server was started for.
func (s *Server) Module() string { return s.config.Module }

// Handle registers h for method.
func (s *Server) Handle(method string, h Handler) {
	s.handlers[method] = h
}

// Handler returns the HTTP handler, for serving on a custom listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+envelope.CommandPath+"{command...}", s.handleCommand)
	mux.HandleFunc("POST "+envelope.CancelPath, s.handleCancel)
	mux.HandleFunc("GET "+envelope.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve listens on the configured socket until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Network:    "unix",
		Address:    s.config.Socket,
		Handler:    s.Handler(),
		SocketMode: 0o600,
		Logger:     s.logger,
	})
	return server.Serve(ctx)
}

// InFlight returns the number of requests currently running.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(envelope.HeaderRequestID)
	if requestID == "" {
		envelope.Write(w, http.StatusBadRequest, "missing request id", nil)
		return
	}
	method := r.Header.Get(envelope.HeaderMethod)
	handler, ok := s.handlers[method]
	if !ok {
		envelope.Write(w, http.StatusNotFound, fmt.Sprintf("module %s has no method %q", s.config.Module, method), nil)
		return
	}

	request := &Request{
		ID:      requestID,
		Command: r.PathValue("command"),
		Method:  method,
		Flavor:  r.Header.Get(envelope.HeaderFlavor),
		Locale:  r.Header.Get(envelope.HeaderLocale),
	}
	if s.config.AssertionKey != nil {
		assertion, err := identity.VerifyAssertion(s.config.AssertionKey, r.Header.Get(envelope.HeaderIdentity), s.now())
		if err != nil {
			s.logger.Warn("rejected identity assertion", "request_id", requestID, "error", err)
			envelope.Write(w, http.StatusUnauthorized, "invalid identity assertion", nil)
			return
		}
		if assertion.RequestID != requestID || assertion.Module != s.config.Module {
			envelope.Write(w, http.StatusUnauthorized, "identity assertion issued for another request", nil)
			return
		}
		request.Identity = assertion
	}
	if encoded := r.Header.Get(envelope.HeaderCredential); encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			envelope.Write(w, http.StatusBadRequest, "malformed credential header", nil)
			return
		}
		credential, err := secret.NewFromBytes(raw)
		if err != nil {
			envelope.Write(w, http.StatusInternalServerError, "storing credential", nil)
			return
		}
		defer credential.Close()
		request.Credential = credential
	}

	var body envelope.Request
	data, err := io.ReadAll(io.LimitReader(r.Body, envelope.MaxBodySize))
	if err != nil {
		envelope.Write(w, http.StatusBadRequest, "reading request body", nil)
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			envelope.Write(w, http.StatusBadRequest, "request body is not valid JSON", nil)
			return
		}
	}
	request.Options = body.Options
	if request.Flavor == "" {
		request.Flavor = body.Flavor
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !s.track(requestID, cancel) {
		envelope.Write(w, http.StatusConflict, "request id already in flight", nil)
		return
	}
	defer s.untrack(requestID)

	result, err := handler(ctx, request)
	if ctx.Err() != nil && r.Context().Err() == nil {
		// Cancelled through /cancel. The gateway has stopped
		// listening; answer anyway so the connection can be reused.
		envelope.Write(w, statusClientClosed, "request cancelled", nil)
		return
	}
	if err != nil {
		var failure *Error
		if errors.As(err, &failure) {
			envelope.Write(w, failure.Status, failure.Message, nil)
			return
		}
		s.logger.Error("handler failed", "method", method, "request_id", requestID, "error", err)
		envelope.Write(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		envelope.Write(w, http.StatusInternalServerError, "encoding result: "+err.Error(), nil)
		return
	}
	envelope.Write(w, http.StatusOK, "", encoded)
}

// statusClientClosed is the conventional status for a request the
// client abandoned.
const statusClientClosed = 499

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(envelope.HeaderRequestID)
	s.mu.Lock()
	cancel, ok := s.inflight[requestID]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.logger.Info("request cancelled", "request_id", requestID)
	cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) track(requestID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inflight[requestID]; exists {
		return false
	}
	s.inflight[requestID] = cancel
	return true
}

func (s *Server) untrack(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, requestID)
}
