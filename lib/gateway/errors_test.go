// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/supervisor"
)

func TestKindStatus(t *testing.T) {
	tests := map[Kind]int{
		KindBadRequest:         http.StatusBadRequest,
		KindUnauthenticated:    http.StatusUnauthorized,
		KindForbidden:          http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindTooManyRequests:    http.StatusTooManyRequests,
		KindBadGateway:         http.StatusBadGateway,
		KindServiceUnavailable: http.StatusServiceUnavailable,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := kind.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", kind, got, want)
		}
	}
}

func TestClassifyAcquire(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{&supervisor.ResourceError{Module: "disks", Cause: supervisor.CauseNoDiskSpace, Err: errors.New("ENOSPC")}, KindServiceUnavailable},
		{fmt.Errorf("%w: module disks: refused", supervisor.ErrConnect), KindBadGateway},
		{supervisor.ErrClosed, KindServiceUnavailable},
		{supervisor.ErrUnknownModule, KindNotFound},
		{errors.New("surprise"), KindInternal},
	}
	for _, test := range tests {
		if got := KindOf(classifyAcquire("disks", test.err)); got != test.kind {
			t.Errorf("classifyAcquire(%v) kind = %s, want %s", test.err, got, test.kind)
		}
	}
}

func TestInternalErrorsHideCauseUnlessDiagnostics(t *testing.T) {
	for _, diagnostics := range []bool{false, true} {
		g := &Gateway{config: Config{Diagnostics: diagnostics}, logger: discardLogger()}
		recorder := httptest.NewRecorder()
		g.writeError(recorder, httptest.NewRequest(http.MethodPost, "/command/x", nil), errors.New("database password is hunter2"))

		var response envelope.Response
		if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
			t.Fatal(err)
		}
		if recorder.Code != http.StatusInternalServerError {
			t.Errorf("status = %d", recorder.Code)
		}
		leaked := response.Message != "internal error"
		if leaked != diagnostics {
			t.Errorf("diagnostics=%v: message %q", diagnostics, response.Message)
		}
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRequestLocale(t *testing.T) {
	tests := map[string]string{
		"":                        "",
		"de-DE,de;q=0.9,en;q=0.8": "de-de",
		"fr":                      "fr",
		"*":                       "",
		" en-US ;q=1":             "en-us",
	}
	for header, want := range tests {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Language", header)
		if got := requestLocale(request); got != want {
			t.Errorf("requestLocale(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestClientOrigin(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:5000":    "192.0.2.1",
		"[2001:db8::1]:443": "2001:db8::1",
		"@":                 "local",
		"":                  "local",
	}
	for remote, want := range tests {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.RemoteAddr = remote
		if got := clientOrigin(request); got != want {
			t.Errorf("clientOrigin(%q) = %q, want %q", remote, got, want)
		}
	}
}
