// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"testing"

	"go.astrophena.name/base/testutil"
)

func TestTieredWriteClearsOtherTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session, durable := NewMem(), NewMem()

	tiered := NewTiered(session, durable, false)
	if err := tiered.Set(ctx, KeyToken, []byte("secret")); err != nil {
		t.Fatal(err)
	}

	v, _ := session.Get(ctx, KeyToken)
	testutil.AssertEqual(t, string(v), "secret")
	v, _ = durable.Get(ctx, KeyToken)
	if v != nil {
		t.Fatalf("durable tier should not hold the token, got %q", v)
	}

	// Flip the preference: the write lands durably and the session copy is
	// cleared.
	tiered.Remember(true)
	if err := tiered.Set(ctx, KeyToken, []byte("secret")); err != nil {
		t.Fatal(err)
	}

	v, _ = durable.Get(ctx, KeyToken)
	testutil.AssertEqual(t, string(v), "secret")
	v, _ = session.Get(ctx, KeyToken)
	if v != nil {
		t.Fatalf("session tier should not hold the token, got %q", v)
	}
}

func TestTieredGetReadsActiveTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session, durable := NewMem(), NewMem()
	durable.Set(ctx, KeyChats, []byte("[]"))

	tiered := NewTiered(session, durable, false)
	v, err := tiered.Get(ctx, KeyChats)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("session tier is active, got %q from durable", v)
	}

	tiered.Remember(true)
	v, err = tiered.Get(ctx, KeyChats)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(v), "[]")
}

func TestTieredDeleteClearsBothTiers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session, durable := NewMem(), NewMem()
	session.Set(ctx, KeyToken, []byte("a"))
	durable.Set(ctx, KeyToken, []byte("b"))

	tiered := NewTiered(session, durable, false)
	if err := tiered.Delete(ctx, KeyToken); err != nil {
		t.Fatal(err)
	}

	for _, s := range []Store{session, durable} {
		v, _ := s.Get(ctx, KeyToken)
		if v != nil {
			t.Fatalf("token still present after delete: %q", v)
		}
	}
}
