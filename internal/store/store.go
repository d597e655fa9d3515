// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements the key-value persistence layer in which tgblast
// mirrors its state: the chat roster, lists, templates and the bot token.
//
// Two tiers exist side by side: a session tier that lives only as long as the
// process ([Mem]) and a durable tier backed by a JSON file, SQLite or
// PostgreSQL. The [Tiered] wrapper routes writes to whichever tier the user's
// remember preference selects and clears the written key from the other tier,
// so a value never survives in both.
package store

import (
	"context"
	"strings"
)

// Store is a generic interface for a key-value store.
type Store interface {
	// Get retrieves a value for a given key.
	// It must return (nil, nil) if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value for a given key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close closes the store and releases any resources.
	Close() error
}

// Keys under which tgblast state lives.
const (
	KeyToken     = "token"
	KeyRemember  = "remember"
	KeyChats     = "chats"
	KeyLists     = "lists"
	KeyTemplates = "templates"
)

// Open opens the durable store identified by dsn. The backend is chosen by
// the DSN shape: "postgres://..." or "postgresql://..." opens PostgreSQL,
// "sqlite://path" opens SQLite, anything else is treated as a path to a JSON
// file. This is the only place where backend selection happens.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
	return NewJSONFile(dsn)
}
