// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies opaque bearer credentials presented by connecting
// clients. Token issuance is out of scope; this package only checks that a
// presented token was signed by a trusted key and is still valid, and
// extracts the identity claims it carries.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	// ErrInvalidCredential is returned for a missing, malformed, expired,
	// or incorrectly signed credential.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrUserInactive is returned when the credential is valid but the
	// account it names has been deactivated.
	ErrUserInactive = errors.New("user inactive")
)

// Identity is the resolved identity of an authenticated connection.
type Identity struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Active     bool   `json:"active"`
}

// RoleAdmin is the elevated role that passes every channel authorization
// predicate.
const RoleAdmin = "admin"

// Verifier validates an opaque bearer credential and returns the identity
// it names.
type Verifier interface {
	Verify(credential string) (*Identity, error)
}

// KeySource supplies the signing key used to verify credentials. The key
// lives outside this process (a secrets file, a KMS); implementations fetch
// or cache it as appropriate.
type KeySource interface {
	Key() ([]byte, error)
}

// StaticKeySource holds a fixed in-memory key, used by tests and by
// deployments that inject the key through configuration.
type StaticKeySource []byte

// Key returns the static key.
func (s StaticKeySource) Key() ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.New("empty signing key")
	}
	return []byte(s), nil
}

// FileKeySource reads the signing key from a file on every use so key
// rotation does not require a restart.
type FileKeySource string

// Key reads and returns the key material.
func (f FileKeySource) Key() ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, errors.New("empty signing key file")
	}
	return []byte(key), nil
}

// claims is the signed payload carried inside a token.
type claims struct {
	Identity
	ExpiresAt int64 `json:"exp,omitempty"`
}

// TokenVerifier verifies HMAC-SHA256 signed tokens of the form
// base64url(claims) + "." + base64url(mac).
type TokenVerifier struct {
	keys KeySource
	now  func() time.Time
}

// NewTokenVerifier creates a verifier drawing its key from keys.
func NewTokenVerifier(keys KeySource) *TokenVerifier {
	return &TokenVerifier{keys: keys, now: time.Now}
}

// Verify checks the token signature and expiry and returns the embedded
// identity. An inactive identity claim fails with ErrUserInactive; callers
// are expected to refresh the active flag against the identity store when
// it is reachable.
func (v *TokenVerifier) Verify(credential string) (*Identity, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	parts := strings.Split(credential, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: bad token format", ErrInvalidCredential)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrInvalidCredential)
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidCredential)
	}

	key, err := v.keys.Key()
	if err != nil {
		return nil, fmt.Errorf("signing key unavailable: %w", err)
	}

	h := hmac.New(sha256.New, key)
	h.Write(payload)
	if !hmac.Equal(mac, h.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidCredential)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidCredential)
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidCredential)
	}
	if c.ExpiresAt != 0 && v.now().Unix() >= c.ExpiresAt {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	if !c.Active {
		return nil, ErrUserInactive
	}

	id := c.Identity
	return &id, nil
}

// SignToken produces a token the verifier accepts. It exists for tests and
// for the companion issuing service; the broker itself never mints tokens.
func SignToken(key []byte, id Identity, expiresAt time.Time) string {
	c := claims{Identity: id}
	if !expiresAt.IsZero() {
		c.ExpiresAt = expiresAt.Unix()
	}
	payload, _ := json.Marshal(c)
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
