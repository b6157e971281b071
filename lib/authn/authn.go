// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package authn is a file-backed [identity.Authenticator] and
// [identity.Directory].
//
// The users file is YAML:
//
//	users:
//	  - username: alice
//	    password_hash: $2a$10$...   # bcrypt, see "consolegate hash-password"
//	    dn: uid=alice,ou=people,dc=example,dc=org
//	    groups: [admins]
//	    one_time_code_hash: $2a$10$...   # optional second factor
//	    expired: false
//
// Only direct (username and password) credentials are handled.
// Deployments that authenticate against a directory server or a
// single-sign-on provider implement identity.Authenticator themselves.
package authn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/secret"
)

// OneTimeCodeField is the MoreInputError field name for the second
// factor.
const OneTimeCodeField = "one_time_code"

// User is one entry of the users file.
type User struct {
	Username        string   `yaml:"username"`
	PasswordHash    string   `yaml:"password_hash"`
	DN              string   `yaml:"dn,omitempty"`
	Groups          []string `yaml:"groups,omitempty"`
	OneTimeCodeHash string   `yaml:"one_time_code_hash,omitempty"`
	Expired         bool     `yaml:"expired,omitempty"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// File authenticates against a users file. Reload re-reads it.
type File struct {
	path string

	mu    sync.RWMutex
	users map[string]User
}

// Open loads the users file at path.
func Open(path string) (*File, error) {
	f := &File{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFromUsers builds an authenticator from in-memory entries.
func NewFromUsers(users []User) (*File, error) {
	table, err := index(users)
	if err != nil {
		return nil, err
	}
	return &File{users: table}, nil
}

// Reload re-reads the users file. On error the previous table stays.
func (f *File) Reload() error {
	if f.path == "" {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading users file: %w", err)
	}
	var parsed usersFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing users file %s: %w", f.path, err)
	}
	table, err := index(parsed.Users)
	if err != nil {
		return fmt.Errorf("users file %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.users = table
	f.mu.Unlock()
	return nil
}

func index(users []User) (map[string]User, error) {
	table := make(map[string]User, len(users))
	for _, user := range users {
		if user.Username == "" {
			return nil, errors.New("user entry without username")
		}
		if _, duplicate := table[user.Username]; duplicate {
			return nil, fmt.Errorf("duplicate user %q", user.Username)
		}
		if _, err := bcrypt.Cost([]byte(user.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", user.Username, err)
		}
		table[user.Username] = user
	}
	return table, nil
}

func (f *File) lookup(username string) (User, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	user, ok := f.users[username]
	return user, ok
}

// Authenticate checks a username and password, then the one-time code
// when the user has one configured. The identity's credential holds
// the password. credentials.Secret is zeroed in every case.
func (f *File) Authenticate(ctx context.Context, credentials identity.Credentials) (*identity.Identity, error) {
	defer clear(credentials.Secret)

	if credentials.Kind != identity.KindDirect && credentials.Kind != "" {
		return nil, fmt.Errorf("%w: %s", identity.ErrUnsupportedKind, credentials.Kind)
	}
	user, ok := f.lookup(credentials.Username)
	if !ok {
		// Spend the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(dummyHash, credentials.Secret)
		return nil, identity.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), credentials.Secret); err != nil {
		return nil, identity.ErrBadCredentials
	}
	if user.Expired {
		return nil, &identity.ExpiredError{Username: user.Username}
	}
	if user.OneTimeCodeHash != "" {
		code := credentials.Fields[OneTimeCodeField]
		if code == "" {
			return nil, &identity.MoreInputError{Prompt: "One-time code", Fields: []string{OneTimeCodeField}}
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.OneTimeCodeHash), []byte(code)); err != nil {
			return nil, identity.ErrBadCredentials
		}
	}

	credential, err := secret.NewFromBytes(slices.Clone(credentials.Secret))
	if err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	return &identity.Identity{
		Username:   user.Username,
		DN:         user.DN,
		Groups:     slices.Clone(user.Groups),
		Kind:       identity.KindDirect,
		Credential: credential,
	}, nil
}

// Groups returns the groups listed for username.
func (f *File) Groups(ctx context.Context, username string) ([]string, error) {
	user, ok := f.lookup(username)
	if !ok {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	return slices.Clone(user.Groups), nil
}

// HashPassword returns the bcrypt hash for a users file entry.
func HashPassword(password []byte) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("consolegate"), bcrypt.DefaultCost)
