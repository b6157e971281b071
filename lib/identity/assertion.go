// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/consolegate/consolegate/lib/codec"
)

// Assertion is the identity statement the gateway attaches to every
// forwarded request. Wire form: base64url(CBOR payload || Ed25519
// signature), without padding.
type Assertion struct {
	Username  string   `cbor:"1,keyasint"`
	DN        string   `cbor:"2,keyasint,omitempty"`
	Groups    []string `cbor:"3,keyasint,omitempty"`
	Kind      Kind     `cbor:"4,keyasint"`
	Module    string   `cbor:"5,keyasint"`
	RequestID string   `cbor:"6,keyasint"`
	IssuedAt  int64    `cbor:"7,keyasint"`
	ExpiresAt int64    `cbor:"8,keyasint"`
}

var (
	ErrAssertionMalformed = errors.New("identity: malformed assertion")
	ErrAssertionSignature = errors.New("identity: assertion signature invalid")
	ErrAssertionExpired   = errors.New("identity: assertion expired")
)

// NewAssertion describes id for one request to module.
func NewAssertion(id *Identity, module, requestID string, now time.Time, lifetime time.Duration) *Assertion {
	assertion := &Assertion{
		Kind:      KindAnonymous,
		Module:    module,
		RequestID: requestID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(lifetime).Unix(),
	}
	if !id.IsAnonymous() {
		assertion.Username = id.Username
		assertion.DN = id.DN
		assertion.Groups = id.Groups
		assertion.Kind = id.Kind
	}
	return assertion
}

// Sign encodes and signs the assertion.
func (a *Assertion) Sign(key ed25519.PrivateKey) (string, error) {
	payload, err := codec.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("identity: encoding assertion: %w", err)
	}
	signed := append(payload, ed25519.Sign(key, payload)...)
	return base64.RawURLEncoding.EncodeToString(signed), nil
}

// VerifyAssertion checks the signature and lifetime of an encoded
// assertion.
func VerifyAssertion(key ed25519.PublicKey, encoded string, now time.Time) (*Assertion, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) <= ed25519.SignatureSize {
		return nil, ErrAssertionMalformed
	}
	split := len(raw) - ed25519.SignatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(key, payload, signature) {
		return nil, ErrAssertionSignature
	}
	var assertion Assertion
	if err := codec.Unmarshal(payload, &assertion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssertionMalformed, err)
	}
	if now.Unix() >= assertion.ExpiresAt {
		return nil, ErrAssertionExpired
	}
	return &assertion, nil
}

// EncodePublicKey renders key for the CONSOLEGATE_ASSERTION_KEY
// environment variable.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// ParsePublicKey reverses EncodePublicKey.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
