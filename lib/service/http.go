// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Network is "tcp" or "unix".
	Network string

	// Address is a host:port for tcp or a socket path for unix.
	Address string

	Handler http.Handler

	// SocketMode is applied to unix sockets. Defaults to 0660.
	SocketMode os.FileMode

	// ReusePort sets SO_REUSEPORT on tcp listeners.
	ReusePort bool

	// TLS, if set, serves HTTPS on the listener.
	TLS *tls.Config

	// ShutdownTimeout bounds the drain after the context ends.
	// Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// HTTPServer serves one listener. Call Serve once.
type HTTPServer struct {
	config HTTPServerConfig
	logger *slog.Logger
	ready  chan struct{}
	addr   net.Addr
}

// NewHTTPServer panics on a missing handler or address, which are
// programming errors.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Network == "" {
		config.Network = "tcp"
	}
	if config.SocketMode == 0 {
		config.SocketMode = 0o660
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPServer{config: config, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the listener is bound.
func (s *HTTPServer) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address. Valid after Ready.
func (s *HTTPServer) Addr() net.Addr { return s.addr }

// Serve binds, serves until ctx ends, then shuts down gracefully.
// Requests still running after ShutdownTimeout have their
// connections closed.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := s.listen(ctx)
	if err != nil {
		return err
	}
	if s.config.Network == "unix" {
		defer os.Remove(s.config.Address)
	}
	if s.config.TLS != nil {
		listener = tls.NewListener(listener, s.config.TLS)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.config.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.logger.Info("http server listening", "network", s.config.Network, "address", s.addr.String(), "tls", s.config.TLS != nil)

	serveErr := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server drain incomplete, closing connections", "address", s.addr.String(), "error", err)
		server.Close()
	}
	<-serveErr
	s.logger.Info("http server stopped", "address", s.addr.String())
	return nil
}

func (s *HTTPServer) listen(ctx context.Context) (net.Listener, error) {
	switch s.config.Network {
	case "unix":
		if err := os.Remove(s.config.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket %s: %w", s.config.Address, err)
		}
		listener, err := net.Listen("unix", s.config.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.config.Address, err)
		}
		if err := os.Chmod(s.config.Address, s.config.SocketMode); err != nil {
			listener.Close()
			return nil, fmt.Errorf("setting socket permissions on %s: %w", s.config.Address, err)
		}
		return listener, nil
	case "tcp":
		var config net.ListenConfig
		if s.config.ReusePort {
			config.Control = reusePort
		}
		listener, err := config.Listen(ctx, "tcp", s.config.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.config.Address, err)
		}
		return listener, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", s.config.Network)
	}
}

func reusePort(network, address string, conn syscall.RawConn) error {
	var optionErr error
	err := conn.Control(func(fd uintptr) {
		optionErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return optionErr
}
