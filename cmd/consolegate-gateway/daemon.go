// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/consolegate/consolegate/lib/adminclient"
	"github.com/consolegate/consolegate/lib/authn"
	"github.com/consolegate/consolegate/lib/config"
	"github.com/consolegate/consolegate/lib/filewatch"
	"github.com/consolegate/consolegate/lib/gateway"
	"github.com/consolegate/consolegate/lib/metrics"
	"github.com/consolegate/consolegate/lib/policy"
	"github.com/consolegate/consolegate/lib/registry"
	"github.com/consolegate/consolegate/lib/replica"
	"github.com/consolegate/consolegate/lib/service"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// drainTimeout bounds worker shutdown after the listeners close.
const drainTimeout = 30 * time.Second

// daemon is one gateway replica and everything it owns.
type daemon struct {
	config *config.Config
	logger *slog.Logger

	catalog    *registry.Store
	policy     *policy.Engine
	users      *authn.File
	supervisor *supervisor.Supervisor
	sessions   *session.Store
	gateway    *gateway.Gateway
	metrics    *metrics.Metrics
	table      *replica.Table
	replica    *replica.Replica

	// shutdown ends run. It is set by run and called when a shutdown
	// signal arrives through the replica table.
	shutdown context.CancelFunc
}

func newDaemon(ctx context.Context, cfg *config.Config, replicaID string, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{config: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err == nil {
			return
		}
		if teardownErr := d.teardown(context.Background()); teardownErr != nil {
			logger.Warn("releasing partially started gateway", "error", teardownErr)
		}
	}()

	if d.catalog, err = registry.NewStore(cfg.Paths.Registry); err != nil {
		return nil, err
	}
	d.policy, err = policy.NewEngine(ctx, policy.Config{
		Source: policy.FileSource{Path: cfg.Paths.Policy},
		Host:   cfg.Host,
		Logger: logger.With("component", "policy"),
	})
	if err != nil {
		return nil, err
	}
	if d.users, err = authn.Open(cfg.Paths.Users); err != nil {
		return nil, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating assertion key: %w", err)
	}

	d.supervisor, err = supervisor.New(supervisor.Config{
		Catalog:            d.catalog,
		RunDirectory:       filepath.Join(cfg.Paths.State, "workers"),
		LogDirectory:       cfg.Paths.Logs,
		LogRetain:          cfg.Supervisor.LogRetain,
		DefaultExecutable:  cfg.Supervisor.DefaultExecutable,
		DefaultArgs:        cfg.Supervisor.DefaultArgs,
		Env:                cfg.Supervisor.Env,
		AssertionKey:       public,
		IdleTimeout:        cfg.Supervisor.IdleTimeout.Std(),
		GracePeriod:        cfg.Supervisor.GracePeriod.Std(),
		MinAvailableMemory: uint64(cfg.Supervisor.MinAvailableMemory),
		Observer:           d.metrics.ObserveTransition,
		Logger:             logger.With("component", "supervisor"),
	})
	if err != nil {
		return nil, err
	}

	d.sessions = session.New(session.Config{
		Timeout:     cfg.Session.Timeout.Std(),
		MaxSessions: cfg.Session.MaxSessions,
		OnDestroy:   gateway.StopWorkersOnDestroy(d.supervisor),
		Logger:      logger.With("component", "sessions"),
	})

	d.table, err = replica.Open(replica.Config{
		Path:         cfg.Replica.Database,
		PollInterval: cfg.Replica.PollInterval.Std(),
		StaleAfter:   cfg.Replica.StaleAfter.Std(),
		Logger:       logger.With("component", "replica"),
	})
	if err != nil {
		return nil, err
	}
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	if d.replica, err = d.table.Register(ctx, replicaID); err != nil {
		return nil, err
	}

	d.gateway, err = gateway.New(gateway.Config{
		Catalog:       d.catalog,
		Policy:        d.policy,
		Supervisor:    d.supervisor,
		Sessions:      d.sessions,
		Authenticator: d.users,
		Directory:     d.users,
		SigningKey:    private,

		AssertionLifetime: cfg.Gateway.AssertionLifetime.Std(),
		CookieName:        cfg.Session.CookieName,
		SecureCookie:      cfg.Listen.TLS.Enabled(),
		Diagnostics:       cfg.Gateway.Diagnostics,
		LoginRate:         rate.Every(cfg.Gateway.LoginInterval.Std()),
		LoginBurst:        cfg.Gateway.LoginBurst,
		CancelTimeout:     cfg.Gateway.CancelTimeout.Std(),

		AdminReload:   d.publishReload,
		AdminShutdown: d.publishShutdown,

		Metrics: d.metrics,
		Logger:  logger.With("component", "gateway"),
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// run serves until ctx ends, a shutdown signal arrives, or a server
// fails, then drains workers.
func (d *daemon) run(ctx context.Context, hangups <-chan os.Signal) error {
	ctx, d.shutdown = context.WithCancel(ctx)
	defer d.shutdown()

	servers, err := d.servers()
	if err != nil {
		d.teardown(context.Background())
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, server := range servers {
		group.Go(func() error { return server.Serve(groupCtx) })
	}
	group.Go(func() error {
		err := d.replica.Run(groupCtx, d.handleSignal)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-hangups:
				if _, err := d.table.Publish(groupCtx, replica.KindReload, "SIGHUP"); err != nil {
					d.logger.Error("publishing reload", "error", err)
				}
			}
		}
	})
	if d.config.Watch.Enabled {
		watcher, err := filewatch.New(filewatch.Config{
			Paths:    []string{d.config.Paths.Registry, d.config.Paths.Policy, d.config.Paths.Users},
			Debounce: d.config.Watch.Debounce.Std(),
			OnChange: func(ctx context.Context, changed []string) {
				d.logger.Info("configuration files changed", "paths", changed)
				d.reload(ctx)
			},
			Logger: d.logger.With("component", "filewatch"),
		})
		if err != nil {
			d.logger.Warn("file watching disabled", "error", err)
		} else {
			group.Go(func() error { return watcher.Run(groupCtx) })
		}
	}

	serveErr := group.Wait()
	d.logger.Info("gateway shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return errors.Join(serveErr, d.teardown(drainCtx))
}

func (d *daemon) servers() ([]*service.HTTPServer, error) {
	var tlsConfig *tls.Config
	if d.config.Listen.TLS.Enabled() {
		certificate, err := tls.LoadX509KeyPair(d.config.Listen.TLS.CertFile, d.config.Listen.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
		}
	}

	handler := d.gateway.Handler()
	var servers []*service.HTTPServer
	if d.config.Listen.Address != "" {
		servers = append(servers, service.NewHTTPServer(service.HTTPServerConfig{
			Network:   "tcp",
			Address:   d.config.Listen.Address,
			Handler:   handler,
			ReusePort: d.config.Listen.ReusePort,
			TLS:       tlsConfig,
			Logger:    d.logger.With("listener", "client"),
		}))
	}
	if d.config.Listen.UnixSocket != "" {
		servers = append(servers, service.NewHTTPServer(service.HTTPServerConfig{
			Network:    "unix",
			Address:    d.config.Listen.UnixSocket,
			Handler:    handler,
			SocketMode: 0o666,
			Logger:     d.logger.With("listener", "local"),
		}))
	}
	servers = append(servers, service.NewHTTPServer(service.HTTPServerConfig{
		Network:    "unix",
		Address:    d.adminSocket(),
		Handler:    d.gateway.AdminHandler(),
		SocketMode: 0o600,
		Logger:     d.logger.With("listener", "admin"),
	}))
	return servers, nil
}

func (d *daemon) adminSocket() string {
	return adminclient.SocketPath(d.config.Listen.AdminSocket, d.config.Listen.ReusePort, d.replica.ID())
}

func (d *daemon) handleSignal(ctx context.Context, signal replica.Signal) {
	switch signal.Kind {
	case replica.KindReload:
		d.reload(ctx)
	case replica.KindShutdown:
		d.logger.Info("shutdown requested", "issuer", signal.Issuer, "reason", signal.Reason)
		if d.shutdown != nil {
			d.shutdown()
		}
	default:
		d.logger.Warn("ignoring unknown replica signal", "kind", signal.Kind, "seq", signal.Seq)
	}
}

// reload re-reads the user file, catalogue and policy.
func (d *daemon) reload(ctx context.Context) (gateway.ReloadReport, error) {
	usersErr := d.users.Reload()
	if usersErr != nil {
		d.logger.Error("reloading users", "error", usersErr)
	}
	report, err := d.gateway.Reload(ctx)
	return report, errors.Join(usersErr, err)
}

func (d *daemon) publishReload(ctx context.Context) (any, error) {
	seq, err := d.table.Publish(ctx, replica.KindReload, "admin request")
	if err != nil {
		return nil, err
	}
	return map[string]any{"signal": replica.KindReload, "seq": seq}, nil
}

func (d *daemon) publishShutdown() error {
	_, err := d.table.Publish(context.Background(), replica.KindShutdown, "admin request")
	return err
}

// teardown releases everything newDaemon acquired. Fields may be nil
// when construction failed part way.
func (d *daemon) teardown(ctx context.Context) error {
	var errs []error
	switch {
	case d.gateway != nil:
		errs = append(errs, d.gateway.Close(ctx))
	case d.supervisor != nil:
		if d.sessions != nil {
			d.sessions.Close()
		}
		errs = append(errs, d.supervisor.StopAll(ctx))
	}
	if d.replica != nil {
		errs = append(errs, d.replica.Deregister(ctx))
	}
	if d.table != nil {
		errs = append(errs, d.table.Close())
	}
	return errors.Join(errs...)
}
