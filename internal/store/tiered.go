// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"sync/atomic"
)

// Tiered routes reads and writes to the session or durable tier, depending on
// the remember preference. Writing a key to one tier always clears it from
// the other, so at most one tier holds a value for any key.
type Tiered struct {
	session  Store
	durable  Store
	remember atomic.Bool
}

// NewTiered creates a [Tiered] store over the given session and durable
// tiers. The durable tier is selected initially if remember is true.
func NewTiered(session, durable Store, remember bool) *Tiered {
	t := &Tiered{session: session, durable: durable}
	t.remember.Store(remember)
	return t
}

// Remember switches the active tier. It only affects subsequent operations;
// existing values stay where they were written.
func (t *Tiered) Remember(v bool) { t.remember.Store(v) }

// Remembering reports whether the durable tier is active.
func (t *Tiered) Remembering() bool { return t.remember.Load() }

// Durable returns the durable tier. Preferences that must survive a restart
// regardless of the active tier are written through it directly.
func (t *Tiered) Durable() Store { return t.durable }

func (t *Tiered) active() Store {
	if t.remember.Load() {
		return t.durable
	}
	return t.session
}

func (t *Tiered) inactive() Store {
	if t.remember.Load() {
		return t.session
	}
	return t.durable
}

// Get retrieves a value for a given key from the active tier.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	return t.active().Get(ctx, key)
}

// Set stores a value in the active tier and clears the key from the inactive
// one.
func (t *Tiered) Set(ctx context.Context, key string, value []byte) error {
	if err := t.active().Set(ctx, key, value); err != nil {
		return err
	}
	return t.inactive().Delete(ctx, key)
}

// Delete removes a key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(
		t.session.Delete(ctx, key),
		t.durable.Delete(ctx, key),
	)
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	return errors.Join(t.session.Close(), t.durable.Close())
}

var _ Store = (*Tiered)(nil)
