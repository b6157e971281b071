// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines who a request acts for and the contracts of
// the external collaborators that establish it.
//
// An [Authenticator] turns presented [Credentials] into an [Identity]
// or one of the structured failures ([ErrBadCredentials],
// [*ExpiredError], [*MoreInputError]). A [Directory] supplies group
// memberships. The gateway depends only on these interfaces; lib/authn
// is the file-backed implementation the binaries ship with.
//
// The gateway forwards identities to workers as a signed [Assertion]
// so a worker can trust the username and groups without talking to
// the authenticator itself.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/consolegate/consolegate/lib/secret"
)

// Kind records how an identity was established.
type Kind string

const (
	KindAnonymous          Kind = "anonymous"
	KindDirect             Kind = "direct"
	KindFederatedToken     Kind = "federated-token"
	KindFederatedAssertion Kind = "federated-assertion"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAnonymous, KindDirect, KindFederatedToken, KindFederatedAssertion:
		return true
	}
	return false
}

// Identity is an authenticated (or anonymous) principal.
type Identity struct {
	Username string
	DN       string
	Groups   []string
	Kind     Kind

	// Credential is the secret the user authenticated with, kept so
	// workers can act on the user's behalf against downstream
	// services. Nil for anonymous identities. Owned by the identity:
	// Close releases it.
	Credential *secret.Buffer
}

// Anonymous returns a fresh unauthenticated identity.
func Anonymous() *Identity {
	return &Identity{Kind: KindAnonymous}
}

// IsAnonymous reports whether the identity carries no authentication.
func (i *Identity) IsAnonymous() bool {
	return i == nil || i.Kind == KindAnonymous
}

// InGroup reports whether the identity is a member of group.
func (i *Identity) InGroup(group string) bool {
	return i != nil && slices.Contains(i.Groups, group)
}

// Close zeroes and releases the credential. Safe to call repeatedly.
func (i *Identity) Close() error {
	if i == nil {
		return nil
	}
	return i.Credential.Close()
}

func (i *Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return fmt.Sprintf("%s (%s)", i.Username, i.Kind)
}

// Credentials is what a client presents to authenticate.
type Credentials struct {
	Kind     Kind
	Username string

	// Secret is the password, token or assertion. Authenticators take
	// ownership and zero it.
	Secret []byte

	// Fields carries answers to a previous MoreInputError.
	Fields map[string]string
}

// Authenticator verifies credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials Credentials) (*Identity, error)
}

// Directory resolves group memberships.
type Directory interface {
	Groups(ctx context.Context, username string) ([]string, error)
}

// ErrBadCredentials is returned when the username or secret is wrong.
// Authenticators return it for unknown users as well.
var ErrBadCredentials = errors.New("identity: invalid credentials")

// ErrUnsupportedKind is returned for credential kinds an authenticator
// does not handle.
var ErrUnsupportedKind = errors.New("identity: unsupported credential kind")

// ExpiredError reports a correct but expired credential.
type ExpiredError struct {
	Username string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("identity: credential for %q has expired", e.Username)
}

// MoreInputError reports that authentication needs additional fields,
// such as a one-time code.
type MoreInputError struct {
	Prompt string
	Fields []string
}

func (e *MoreInputError) Error() string {
	return fmt.Sprintf("identity: additional input required: %s", strings.Join(e.Fields, ", "))
}
