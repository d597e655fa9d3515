// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package discovery surfaces chats the bot has been exposed to but that are
// not yet tracked.
//
// A scan pulls a page of pending events (messages, channel posts, membership
// changes), reconciles them into candidate chats and verifies each candidate
// with a liveness probe before surfacing it. Candidates live in memory only:
// a later scan that returns events replaces them, promotion moves them into
// the tracked roster.
package discovery

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.astrophena.name/tgblast/internal/logstream"
	"go.astrophena.name/tgblast/internal/telegram"
)

const (
	// scanPageSize bounds a single getUpdates request.
	scanPageSize = 100
	// registerCommand, sent to the bot in any chat, explicitly asks for the
	// chat to be surfaced. Matched case-insensitively.
	registerCommand = "/register"
)

var allowedUpdates = []string{"message", "channel_post", "my_chat_member"}

// Source records how a candidate chat came to the bot's attention.
type Source string

// Candidate sources. RegisterCommand-sourced candidates are surfaced first.
const (
	SourceMessage         Source = "message"
	SourceRegisterCommand Source = "register_command"
	SourceBotAdded        Source = "bot_added"
)

// Candidate is a chat observed in the event stream but not yet tracked.
type Candidate struct {
	Chat   telegram.Chat `json:"chat"`
	Source Source        `json:"source"`
}

// API is the subset of the Bot API a Scanner talks to. *telegram.Client
// implements it.
type API interface {
	GetUpdates(ctx context.Context, offset int64, limit int, allowedUpdates []string) ([]telegram.Update, error)
	GetChat(ctx context.Context, chatID string) (telegram.Chat, error)
	GetChatMemberCount(ctx context.Context, chatID string) (int, error)
}

// Config configures a [Scanner].
type Config struct {
	API API
	// Known reports whether a chat ID is already tracked.
	Known func(id int64) bool
	// Activity, if set, receives scan and promotion log entries.
	Activity *logstream.Buffer
	Logger   *slog.Logger
}

// Scanner polls for inbound events and reconciles them into candidate chats.
// It is safe for concurrent use, but scans themselves run one at a time.
type Scanner struct {
	api      API
	known    func(int64) bool
	activity *logstream.Buffer
	slog     *slog.Logger

	mu         sync.Mutex
	offset     int64 // next getUpdates offset, one past the highest event ID seen
	candidates []Candidate
}

// New returns a Scanner with the given configuration.
func New(cfg Config) *Scanner {
	s := &Scanner{
		api:      cfg.API,
		known:    cfg.Known,
		activity: cfg.Activity,
		slog:     cfg.Logger,
	}
	if s.known == nil {
		s.known = func(int64) bool { return false }
	}
	if s.activity == nil {
		s.activity = logstream.New(1)
	}
	if s.slog == nil {
		s.slog = slog.Default()
	}
	return s
}

// Candidates returns the candidates surfaced by the most recent scan.
func (s *Scanner) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.candidates)
}

// Scan fetches a page of pending events and rebuilds the candidate set from
// them. If no events are pending, the previous candidates are kept. The
// returned slice is the full current candidate set.
//
// Each originating chat produces at most one candidate per scan, keyed on
// the first event mentioning it. Chats that are already tracked are skipped,
// and private chats are surfaced only when they asked for it with the
// register command. Every surviving candidate is probed with getChat; chats
// the bot has lost access to are dropped with a warning.
func (s *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates, err := s.api.GetUpdates(ctx, s.offset, scanPageSize, allowedUpdates)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		s.activity.Infof("Discovery: no new updates.")
		return slices.Clone(s.candidates), nil
	}

	var (
		found []Candidate
		seen  = make(map[int64]bool)
	)
	for _, upd := range updates {
		if upd.UpdateID >= s.offset {
			s.offset = upd.UpdateID + 1
		}
		cand, ok := classify(upd)
		if !ok {
			continue
		}
		if s.known(cand.Chat.ID) || seen[cand.Chat.ID] {
			continue
		}
		if cand.Chat.Type == telegram.ChatPrivate && cand.Source != SourceRegisterCommand {
			// Not collected: a later register command from the same chat in
			// this page must still go through.
			continue
		}
		seen[cand.Chat.ID] = true
		found = append(found, cand)
	}

	// Confirm the bot still has access to each candidate before surfacing it.
	var alive []Candidate
	for _, cand := range found {
		fresh, err := s.api.GetChat(ctx, strconv.FormatInt(cand.Chat.ID, 10))
		if err != nil {
			s.activity.Warningf("Discovery: dropping %s, probe failed: %v", cand.Chat.DisplayTitle(), err)
			s.slog.Warn("discovery probe failed", "chat", cand.Chat.ID, "err", err)
			continue
		}
		cand.Chat = fresh
		alive = append(alive, cand)
	}

	slices.SortStableFunc(alive, func(a, b Candidate) int {
		if a.Source == b.Source {
			return 0
		}
		if a.Source == SourceRegisterCommand {
			return -1
		}
		if b.Source == SourceRegisterCommand {
			return 1
		}
		return 0
	})

	s.candidates = alive
	s.activity.Infof("Discovery: %d candidate chats found.", len(alive))
	return slices.Clone(s.candidates), nil
}

// classify maps an event to a candidate. ok is false when the event produces
// none (a membership change showing removal, or an event without a chat).
func classify(upd telegram.Update) (cand Candidate, ok bool) {
	if mcm := upd.MyChatMember; mcm != nil {
		switch mcm.NewChatMember.Status {
		case "member", "administrator":
			return Candidate{Chat: mcm.Chat, Source: SourceBotAdded}, true
		}
		return Candidate{}, false
	}

	msg := upd.Message
	if msg == nil {
		msg = upd.ChannelPost
	}
	if msg == nil {
		return Candidate{}, false
	}
	if strings.HasPrefix(strings.ToLower(msg.Text), registerCommand) {
		return Candidate{Chat: msg.Chat, Source: SourceRegisterCommand}, true
	}
	return Candidate{Chat: msg.Chat, Source: SourceMessage}, true
}

// Promote turns a pending candidate into a tracked chat: it fetches fresh
// chat metadata and, best-effort, a member count. The candidate is removed
// from the pending set whether or not promotion succeeds.
func (s *Scanner) Promote(ctx context.Context, id int64) (telegram.Chat, int, error) {
	s.mu.Lock()
	s.candidates = slices.DeleteFunc(s.candidates, func(c Candidate) bool {
		return c.Chat.ID == id
	})
	s.mu.Unlock()

	chatID := strconv.FormatInt(id, 10)
	chat, err := s.api.GetChat(ctx, chatID)
	if err != nil {
		s.activity.Warningf("Discovery: failed to add chat %d: %v", id, err)
		return telegram.Chat{}, 0, err
	}
	count, err := s.api.GetChatMemberCount(ctx, chatID)
	if err != nil {
		// A missing member count never blocks promotion.
		s.slog.Warn("member count unavailable", "chat", id, "err", err)
		count = 0
	}
	return chat, count, nil
}
