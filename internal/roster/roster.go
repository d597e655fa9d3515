// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package roster owns the application state: the registry of tracked chats,
// the lists that group them, and saved message templates.
//
// The in-memory state is authoritative; the persistence store only holds a
// serialized mirror that is rewritten after every mutation. On load,
// malformed or structurally invalid stored collections are discarded in favor
// of an empty one, with a log line so the discard is observable.
package roster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.astrophena.name/base/syncx"
	"go.astrophena.name/tgblast/internal/store"
	"go.astrophena.name/tgblast/internal/telegram"
)

// Errors returned by mutations.
var (
	ErrDuplicateChat     = errors.New("chat is already tracked")
	ErrChatNotFound      = errors.New("no such chat")
	ErrListNotFound      = errors.New("no such list")
	ErrTemplateNotFound  = errors.New("no such template")
	ErrParentListMissing = errors.New("parent list does not exist")
)

// Chat is a destination the bot can message.
type Chat struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Username    string `json:"username,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	// BotKicked is set when a liveness probe fails. Chats are never dropped
	// on this signal, only flagged.
	BotKicked bool `json:"bot_kicked,omitempty"`
}

func (c *Chat) valid() bool {
	switch c.Type {
	case telegram.ChatGroup, telegram.ChatSupergroup, telegram.ChatChannel, telegram.ChatPrivate:
	default:
		return false
	}
	return c.ID != 0
}

// ListStats is the cumulative broadcast outcome for a list.
type ListStats struct {
	Sent          int       `json:"sent"`
	Failed        int       `json:"failed"`
	LastBroadcast time.Time `json:"last_broadcast,omitzero"`
}

// List is a named, colored, optionally nested grouping of chat IDs.
type List struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Icon     string    `json:"icon,omitempty"`
	ChatIDs  []int64   `json:"chat_ids"`
	ParentID string    `json:"parent_id,omitempty"`
	Stats    ListStats `json:"stats"`
}

// Template is a saved reusable message body.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitzero"`
}

// Logf is a printf-like logging function.
type Logf func(format string, args ...any)

// Roster is the controller owning all tracked state. Every mutation goes
// through it and is mirrored to the store before returning.
type Roster struct {
	store store.Store
	logf  Logf
	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	chats     []Chat
	lists     []List
	templates []Template

	// Transient broadcast selection, never persisted.
	selectedChats map[int64]bool
	selectedLists map[string]bool
	excludedLists map[string]bool
}

// New creates an empty Roster mirrored to s. Call [Roster.Load] to populate
// it from a previous session.
func New(s store.Store, logf Logf) *Roster {
	if logf == nil {
		logf = func(format string, args ...any) {}
	}
	return &Roster{
		store:         s,
		logf:          logf,
		now:           time.Now,
		newID:         randomID,
		selectedChats: make(map[int64]bool),
		selectedLists: make(map[string]bool),
		excludedLists: make(map[string]bool),
	}
}

func randomID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Load reads the chat, list and template collections from the store. A
// collection whose stored JSON is malformed, or that contains a single
// structurally invalid entry, is discarded entirely.
func (r *Roster) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chats = loadCollection(ctx, r, store.KeyChats, func(c *Chat) bool { return c.valid() })
	r.lists = loadCollection(ctx, r, store.KeyLists, func(l *List) bool { return l.ID != "" })
	r.templates = loadCollection(ctx, r, store.KeyTemplates, func(t *Template) bool { return t.ID != "" })
	return nil
}

func loadCollection[T any](ctx context.Context, r *Roster, key string, valid func(*T) bool) []T {
	b, err := r.store.Get(ctx, key)
	if err != nil {
		r.logf("Failed to read %q from store: %v", key, err)
		return nil
	}
	if b == nil {
		return nil
	}
	var vals []T
	if err := json.Unmarshal(b, &vals); err != nil {
		r.logf("Discarding stored %q: malformed JSON: %v", key, err)
		return nil
	}
	for i := range vals {
		if !valid(&vals[i]) {
			r.logf("Discarding stored %q: entry %d is structurally invalid", key, i)
			return nil
		}
	}
	return vals
}

func (r *Roster) save(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, b)
}

func (r *Roster) saveChats(ctx context.Context) error { return r.save(ctx, store.KeyChats, r.chats) }
func (r *Roster) saveLists(ctx context.Context) error { return r.save(ctx, store.KeyLists, r.lists) }
func (r *Roster) saveTemplates(ctx context.Context) error {
	return r.save(ctx, store.KeyTemplates, r.templates)
}

// Chats returns a copy of all tracked chats.
func (r *Roster) Chats() []Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.chats)
}

// Chat looks up a tracked chat by ID.
func (r *Roster) Chat(id int64) (Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chats {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

// Tracked reports whether a chat with the given ID is in the registry.
func (r *Roster) Tracked(id int64) bool {
	_, ok := r.Chat(id)
	return ok
}

// AddChat appends a chat to the registry. Adding an already tracked chat
// fails with [ErrDuplicateChat] before any store write.
func (r *Roster) AddChat(ctx context.Context, c Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.chats {
		if existing.ID == c.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateChat, existing.Title)
		}
	}
	r.chats = append(r.chats, c)
	return r.saveChats(ctx)
}

// RemoveChat removes a chat from the registry, from all list memberships and
// from the current selection.
func (r *Roster) RemoveChat(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.chats, func(c Chat) bool { return c.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrChatNotFound, id)
	}
	r.chats = slices.Delete(r.chats, i, i+1)
	delete(r.selectedChats, id)

	var listsChanged bool
	for li := range r.lists {
		if j := slices.Index(r.lists[li].ChatIDs, id); j >= 0 {
			r.lists[li].ChatIDs = slices.Delete(r.lists[li].ChatIDs, j, j+1)
			listsChanged = true
		}
	}

	if err := r.saveChats(ctx); err != nil {
		return err
	}
	if listsChanged {
		return r.saveLists(ctx)
	}
	return nil
}

// UpdateChat applies mutate to the tracked chat with the given ID and
// persists the result.
func (r *Roster) UpdateChat(ctx context.Context, id int64, mutate func(*Chat)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.chats, func(c Chat) bool { return c.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrChatNotFound, id)
	}
	mutate(&r.chats[i])
	return r.saveChats(ctx)
}

// Prober is the part of the Telegram client used by [Roster.Refresh].
type Prober interface {
	GetChat(ctx context.Context, chatID string) (telegram.Chat, error)
	GetChatMemberCount(ctx context.Context, chatID string) (int, error)
}

const refreshConcurrencyLimit = 10 // N liveness probes that can run at the same time

// Refresh re-validates every tracked chat in one pass. A successful probe
// refreshes the title and member count and clears the kicked flag; a failed
// probe only sets it. It returns the number of active and kicked chats.
func (r *Roster) Refresh(ctx context.Context, p Prober) (active, kicked int, err error) {
	chats := r.Chats()

	results := syncx.Protect(make(map[int64]*telegram.Chat, len(chats)))
	counts := make(map[int64]int, len(chats))
	var countsMu sync.Mutex

	wg := syncx.NewLimitedWaitGroup(refreshConcurrencyLimit)
	for _, c := range chats {
		wg.Go(func() {
			id := strconv.FormatInt(c.ID, 10)
			chat, err := p.GetChat(ctx, id)
			var res *telegram.Chat
			if err == nil {
				res = &chat
				if n, err := p.GetChatMemberCount(ctx, id); err == nil {
					countsMu.Lock()
					counts[c.ID] = n
					countsMu.Unlock()
				}
			}
			results.WriteAccess(func(m map[int64]*telegram.Chat) {
				m[c.ID] = res
			})
		})
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	results.ReadAccess(func(m map[int64]*telegram.Chat) {
		for i := range r.chats {
			res, probed := m[r.chats[i].ID]
			if !probed {
				continue
			}
			if res == nil {
				r.chats[i].BotKicked = true
				kicked++
				continue
			}
			r.chats[i].Title = res.DisplayTitle()
			r.chats[i].Username = res.Username
			r.chats[i].BotKicked = false
			if n, ok := counts[r.chats[i].ID]; ok {
				r.chats[i].MemberCount = n
			}
			active++
		}
	})
	return active, kicked, r.saveChats(ctx)
}
