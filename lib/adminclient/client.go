// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminclient is a typed client for a gateway replica's admin
// unix socket. It is used by the consolegate command line and the
// terminal dashboard.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// Client talks to one replica's admin socket.
type Client struct {
	httpClient *http.Client
	socketPath string
}

// New returns a Client that dials socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
		socketPath: socketPath,
	}
}

// NewForTesting returns a Client that sends requests through transport
// instead of a unix socket.
func NewForTesting(transport http.RoundTripper) *Client {
	return &Client{httpClient: &http.Client{Transport: transport}}
}

// SocketPath is the socket this client dials.
func (client *Client) SocketPath() string {
	return client.socketPath
}

// Workers lists the replica's module workers.
func (client *Client) Workers(ctx context.Context) ([]supervisor.Info, error) {
	var workers []supervisor.Info
	if err := client.call(ctx, http.MethodGet, "/admin/workers", &workers); err != nil {
		return nil, fmt.Errorf("workers: %w", err)
	}
	return workers, nil
}

// Sessions lists the replica's live sessions.
func (client *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var sessions []session.Info
	if err := client.call(ctx, http.MethodGet, "/admin/sessions", &sessions); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	return sessions, nil
}

// InvalidateSessions destroys every session on the replica and
// returns how many there were.
func (client *Client) InvalidateSessions(ctx context.Context) (int, error) {
	var result struct {
		Invalidated int `json:"invalidated"`
	}
	if err := client.call(ctx, http.MethodPost, "/admin/sessions/invalidate", &result); err != nil {
		return 0, fmt.Errorf("invalidating sessions: %w", err)
	}
	return result.Invalidated, nil
}

// Version reports the replica's build version.
func (client *Client) Version(ctx context.Context) (string, error) {
	var result struct {
		Version string `json:"version"`
	}
	if err := client.call(ctx, http.MethodGet, "/admin/version", &result); err != nil {
		return "", fmt.Errorf("version: %w", err)
	}
	return result.Version, nil
}

// StatusError is a non-2xx reply from the admin socket.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (client *Client) call(ctx context.Context, method, path string, result any) error {
	request, err := http.NewRequestWithContext(ctx, method, "http://admin"+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, envelope.MaxBodySize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var reply envelope.Response
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", response.StatusCode, err)
	}
	if response.StatusCode/100 != 2 {
		return &StatusError{Status: response.StatusCode, Message: reply.Message}
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}
