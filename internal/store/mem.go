// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"

	"go.astrophena.name/base/syncx"
)

// Mem is an in-memory implementation of the [Store] interface. It backs the
// session tier: everything in it is lost when the process exits.
type Mem struct {
	m syncx.Map[string, []byte]
}

// NewMem creates a new Mem store.
func NewMem() *Mem { return &Mem{} }

// Get retrieves a value for a given key.
func (s *Mem) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := s.m.Load(key)
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent the caller from mutating the stored value.
	return append([]byte(nil), value...), nil
}

// Set stores a value for a given key.
func (s *Mem) Set(_ context.Context, key string, value []byte) error {
	s.m.Store(key, append([]byte(nil), value...))
	return nil
}

// Delete removes a key.
func (s *Mem) Delete(_ context.Context, key string) error {
	s.m.Delete(key)
	return nil
}

// Close is a no-op for Mem.
func (s *Mem) Close() error { return nil }
