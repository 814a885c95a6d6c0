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

// package storage provides a generic key-value store interface and an
// in-memory implementation with optional per-entry expiry. The broker uses
// it for the write-through session cache keyed by connection id.
package storage

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for a generic key-value store with expiring
// entries. It is implementation-agnostic: an in-memory map here, possibly a
// shared cache in a larger deployment.
type Store interface {
	// Get retrieves a value from the store by its key. If the key is not
	// present or its entry has expired, it returns ErrNotFound.
	Get(key string) (interface{}, error)
	// Set adds or updates a value. A zero ttl means the entry never expires.
	Set(key string, value interface{}, ttl time.Duration) error
	// Delete removes a value from the store by its key.
	Delete(key string) error
	// Len returns the number of live (unexpired) entries.
	Len() int
}

// MemStore is an in-memory implementation of the Store interface. It uses a
// map guarded by a RWMutex; expired entries are dropped lazily on access
// and by PurgeExpired.
type MemStore struct {
	data map[string]entry
	mu   sync.RWMutex
	now  func() time.Time
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// Get retrieves a value from the in-memory store.
func (s *MemStore) Get(key string) (interface{}, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(s.now()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore) Set(key string, value interface{}, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value, expiresAt: expiresAt}
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of live entries.
func (s *MemStore) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// PurgeExpired removes every expired entry and returns the count removed.
func (s *MemStore) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}
