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

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type for operator
// accounts on the admin API.
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// OperatorStore holds the operator accounts allowed to call the admin API.
// It is an in-memory store populated from configuration at startup.
type OperatorStore struct {
	mu    sync.RWMutex
	users map[string]operatorEntry
}

type operatorEntry struct {
	hash      string
	algorithm HashAlgorithm
	enabled   bool
}

// NewOperatorStore creates an empty operator store.
func NewOperatorStore() *OperatorStore {
	return &OperatorStore{users: make(map[string]operatorEntry)}
}

// AddUser registers an operator account, hashing the password with the
// given algorithm.
func (s *OperatorStore) AddUser(username, password string, algorithm HashAlgorithm) error {
	hash, err := hashPassword(password, algorithm)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already exists", username)
	}
	s.users[username] = operatorEntry{hash: hash, algorithm: algorithm, enabled: true}
	return nil
}

// SetUserEnabled toggles an operator account.
func (s *OperatorStore) SetUserEnabled(username string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.users[username]
	if !exists {
		return fmt.Errorf("user %s not found", username)
	}
	entry.enabled = enabled
	s.users[username] = entry
	return nil
}

// Authenticate verifies an operator's username and password.
func (s *OperatorStore) Authenticate(username, password string) bool {
	s.mu.RLock()
	entry, exists := s.users[username]
	s.mu.RUnlock()

	if !exists || !entry.enabled {
		return false
	}
	return verifyPassword(password, entry.hash, entry.algorithm)
}

// Count returns the number of registered operator accounts.
func (s *OperatorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// hashPassword creates a hash of the password using the specified algorithm.
func hashPassword(password string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(password))
		return fmt.Sprintf("%x", sum), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyPassword verifies a password against a hash using the specified
// algorithm.
func verifyPassword(password, hash string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(password), []byte(hash)) == 1
	case HashSHA256:
		expected, err := hashPassword(password, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
