// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestIsInternalHeader(t *testing.T) {
	for name, want := range map[string]bool{
		"X-Consolegate-Request-Id": true,
		"x-consolegate-identity":   true,
		"X-Consolegate":            false,
		"Content-Type":             false,
		"X-Other":                  false,
	} {
		if got := IsInternalHeader(name); got != want {
			t.Errorf("IsInternalHeader(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCommandName(t *testing.T) {
	if name, ok := CommandName("/command/storage/disks/list"); !ok || name != "storage/disks/list" {
		t.Errorf("CommandName = %q, %v", name, ok)
	}
	for _, path := range []string{"/command/", "/cancel", "/commandx"} {
		if _, ok := CommandName(path); ok {
			t.Errorf("CommandName(%q) succeeded", path)
		}
	}
}

func TestWrite(t *testing.T) {
	recorder := httptest.NewRecorder()
	Write(recorder, 403, "denied", nil)
	if recorder.Code != 403 {
		t.Fatalf("code = %d", recorder.Code)
	}
	var response Response
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if response.Status != 403 || response.Message != "denied" || response.Result != nil {
		t.Errorf("response = %+v", response)
	}
}
