// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/secret"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// outcome labels for request metrics.
const (
	outcomeOK        = "ok"
	outcomeCancelled = "cancelled"
	outcomeWorker    = "worker_error"
)

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	start := g.clock.Now()
	module, outcome, err := g.forward(w, r)
	if err != nil {
		outcome = string(KindOf(err))
		g.writeError(w, r, err)
	}
	g.config.Metrics.ObserveRequest(module, outcome, g.clock.Now().Sub(start))
}

// forward runs one command request. It writes the response itself on
// success and returns a classified error otherwise. module is the
// routed module, empty when routing failed.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) (module, outcome string, err error) {
	ctx := r.Context()
	command := r.PathValue("command")

	// Step 1: session. Anonymous sessions are only created for
	// commands that admit them.
	current, stale, err := g.resolveSession(w, r)
	if err != nil {
		return "", "", err
	}
	catalog := g.config.Catalog.Current()
	_, definition, known := catalog.Lookup(command)
	if !known {
		return "", "", newError(KindNotFound, nil, "unknown command %q", command)
	}
	if current == nil {
		switch {
		case definition.Anonymous:
			current, err = g.createSession(w, nil, clientOrigin(r), requestLocale(r))
			if err != nil {
				return "", "", err
			}
		case stale:
			g.clearCookie(w)
			return "", "", newError(KindUnauthenticated, nil, "session expired")
		default:
			return "", "", newError(KindUnauthenticated, nil, "command %q requires authentication", command)
		}
	}
	if !definition.Anonymous && current.Anonymous() {
		return "", "", newError(KindUnauthenticated, nil, "command %q requires authentication", command)
	}

	// Step 2: route within the permission set.
	permissions, err := g.permissions(ctx, current, catalog)
	if err != nil {
		return "", "", err
	}
	module, routed := catalog.ModuleForCommand(permissions, command)
	if !routed {
		if current.Anonymous() {
			return "", "", newError(KindUnauthenticated, nil, "command %q requires authentication", command)
		}
		return "", "", newError(KindForbidden, nil, "not permitted to run %q", command)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, envelope.MaxBodySize))
	if err != nil {
		return module, "", newError(KindBadRequest, err, "reading request body")
	}
	var request envelope.Request
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			return module, "", newError(KindBadRequest, err, "request body is not a valid command envelope")
		}
	}
	flavor := r.Header.Get(envelope.HeaderFlavor)
	if flavor == "" {
		flavor = request.Flavor
	}
	if descriptor, _ := catalog.Module(module); flavor != "" && !descriptor.HasFlavor(flavor) {
		return module, "", newError(KindNotFound, nil, "module %s has no flavor %q", module, flavor)
	}

	// Step 3: policy.
	decision := g.config.Policy.IsAllowed(permissions, module, command, request.Options, flavor)
	if !decision.Allowed() {
		g.logger.Info("command denied", "session", current.Fingerprint(), "user", current.Identity().Username,
			"command", command, "flavor", flavor, "reason", decision.Reason.String(), "rule", decision.Rule)
		return module, "", newError(KindForbidden, nil, "not permitted to run %q", command)
	}
	method, _ := catalog.MethodFor(module, command)

	// Step 4: worker.
	lease, err := g.config.Supervisor.Acquire(ctx, current.Fingerprint(), module, current.Locale())
	if err != nil {
		if ctx.Err() != nil {
			return module, outcomeCancelled, nil
		}
		return module, "", classifyAcquire(module, err)
	}

	// Step 5: mark in flight, then forward.
	requestID := uuid.NewString()
	if err := g.config.Sessions.Touch(current, requestID); err != nil {
		lease.Release()
		if errors.Is(err, session.ErrNotFound) {
			return module, "", newError(KindUnauthenticated, err, "session ended")
		}
		return module, "", err
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			g.config.Sessions.Release(current, requestID)
			lease.Release()
		})
	}
	defer release()

	forwarded, err := g.buildForward(ctx, lease.Worker, current, module, command, method, flavor, requestID, body)
	if err != nil {
		return module, "", err
	}
	client := &http.Client{Transport: lease.Worker.Transport()}
	response, err := client.Do(forwarded)
	if err != nil {
		if ctx.Err() != nil {
			// Step 7: the client went away.
			release()
			g.cancelOnWorker(lease.Worker, requestID)
			return module, outcomeCancelled, nil
		}
		g.config.Supervisor.Evict(lease.Worker, "forward failed: "+err.Error())
		return module, "", newError(KindBadGateway, err, "module %s is unavailable", module)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, envelope.MaxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			release()
			g.cancelOnWorker(lease.Worker, requestID)
			return module, outcomeCancelled, nil
		}
		g.config.Supervisor.Evict(lease.Worker, "reading response failed: "+err.Error())
		return module, "", newError(KindBadGateway, err, "module %s stopped responding", module)
	}

	// Step 6: relay.
	for name, values := range response.Header {
		if envelope.IsInternalHeader(name) || name == "Content-Length" {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(response.StatusCode)
	_, _ = w.Write(payload)

	outcome = outcomeOK
	if response.StatusCode >= http.StatusBadRequest {
		outcome = outcomeWorker
		level := g.logger.Info
		if response.StatusCode >= http.StatusInternalServerError {
			level = g.logger.Warn
		}
		level("worker reported failure", "worker", lease.Worker.ID(), "command", command,
			"status", response.StatusCode, "request_id", requestID)
	}
	return module, outcome, nil
}

func (g *Gateway) buildForward(ctx context.Context, worker *supervisor.Worker, current *session.Session,
	module, command, method, flavor, requestID string, body []byte) (*http.Request, error) {
	assertion, err := identity.NewAssertion(current.Identity(), module, requestID, g.clock.Now(),
		g.config.AssertionLifetime).Sign(g.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing identity assertion: %w", err)
	}
	forwarded, err := http.NewRequestWithContext(ctx, http.MethodPost,
		worker.URL(envelope.CommandPath+command), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building forwarded request: %w", err)
	}
	forwarded.Header.Set("Content-Type", "application/json")
	forwarded.Header.Set(envelope.HeaderRequestID, requestID)
	forwarded.Header.Set(envelope.HeaderIdentity, assertion)
	forwarded.Header.Set(envelope.HeaderMethod, method)
	if flavor != "" {
		forwarded.Header.Set(envelope.HeaderFlavor, flavor)
	}
	if locale := current.Locale(); locale != "" {
		forwarded.Header.Set(envelope.HeaderLocale, locale)
	}
	// Credentials never cross the network in clear text. Plain http
	// proxies still receive the signed assertion.
	if credential := current.Identity().Credential; credential != nil && worker.Confidential() {
		err := credential.WithBytes(func(raw []byte) error {
			forwarded.Header.Set(envelope.HeaderCredential, base64.StdEncoding.EncodeToString(raw))
			return nil
		})
		if err != nil && !errors.Is(err, secret.ErrClosed) {
			return nil, fmt.Errorf("reading session credential: %w", err)
		}
	}
	return forwarded, nil
}

// cancelOnWorker tells the worker to abandon requestID. It does not
// wait for the worker.
func (g *Gateway) cancelOnWorker(worker *supervisor.Worker, requestID string) {
	g.config.Metrics.ObserveCancel()
	g.logger.Info("client went away, cancelling", "worker", worker.ID(), "request_id", requestID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.config.CancelTimeout)
		defer cancel()
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, worker.URL(envelope.CancelPath), nil)
		if err != nil {
			return
		}
		request.Header.Set(envelope.HeaderRequestID, requestID)
		client := &http.Client{Transport: worker.Transport()}
		response, err := client.Do(request)
		if err != nil {
			g.logger.Debug("cancel not delivered", "worker", worker.ID(), "request_id", requestID, "error", err)
			return
		}
		response.Body.Close()
	}()
}

func classifyAcquire(module string, err error) error {
	var resource *supervisor.ResourceError
	switch {
	case errors.As(err, &resource):
		return newError(KindServiceUnavailable, err, "cannot start module %s: %s", module, resource.Cause)
	case errors.Is(err, supervisor.ErrConnect):
		return newError(KindBadGateway, err, "module %s did not start", module)
	case errors.Is(err, supervisor.ErrClosed):
		return newError(KindServiceUnavailable, err, "gateway is shutting down")
	case errors.Is(err, supervisor.ErrUnknownModule):
		return newError(KindNotFound, err, "module %s is not installed", module)
	}
	return newError(KindInternal, err, "starting module %s", module)
}
