// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// tgblast broadcasts messages to Telegram chats.
//
// It keeps a roster of chats the bot can message, organizes them into lists,
// discovers new chats from the bot's event stream and fans a message out to
// any selection of them in paced batches. State is mirrored to a key-value
// store that is either session-scoped or durable, chosen by the remember
// preference.
//
// # Usage
//
//	$ tgblast [flags...] <command> [arguments...]
//
// Commands:
//
//	serve            Start the web admin interface.
//	send [text]      Broadcast a message (from the argument or stdin).
//	discover         Run one discovery scan and print candidate chats.
//	chats            Print the chat roster.
//	refresh          Revalidate every tracked chat.
//	setname <name>   Set the bot's display name.
//
// The bot token is read from the TELEGRAM_TOKEN environment variable.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/base/cli"
	"go.astrophena.name/base/logger"
	"go.astrophena.name/base/request"
	"go.astrophena.name/base/syncx"
	"go.astrophena.name/base/web"
	"go.astrophena.name/tgblast/internal/broadcast"
	"go.astrophena.name/tgblast/internal/discovery"
	"go.astrophena.name/tgblast/internal/logstream"
	"go.astrophena.name/tgblast/internal/roster"
	"go.astrophena.name/tgblast/internal/store"
	"go.astrophena.name/tgblast/internal/telegram"
)

// logRetention is how many activity log entries are kept.
const logRetention = 200

var (
	errNotConnected = errors.New("not connected: no valid bot token")
	errInvalidToken = errors.New("invalid token format")
)

func main() { cli.Main(new(app)) }

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.addr, "addr", "", "Listen on `host:port` (serve command).")
	fs.BoolVar(&a.jsonOut, "json", false, "Output in JSON format (honored in supported commands).")
	fs.StringVar(&a.listID, "list", "", "Restrict send targets to the list with this `id`.")
	fs.BoolVar(&a.promote, "promote", false, "Promote every candidate found by the discover command.")
	fs.StringVar(&a.state, "state", "", "State location: a JSON file path, sqlite:// or postgres:// `DSN`.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	a.addr = cmp.Or(a.addr, env.Getenv("ADDR"), "localhost:3000")
	a.tgToken = cmp.Or(a.tgToken, env.Getenv("TELEGRAM_TOKEN"))
	a.state = cmp.Or(a.state, env.Getenv("STATE"))
	if a.state == "" {
		stateDir := env.Getenv("STATE_DIRECTORY")
		if stateDir == "" {
			xdgStateHome := env.Getenv("XDG_STATE_HOME")
			if xdgStateHome == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				xdgStateHome = filepath.Join(home, ".local", "state")
			}
			stateDir = filepath.Join(xdgStateHome, "tgblast")
			if err := os.MkdirAll(stateDir, 0o700); err != nil {
				return err
			}
		}
		a.state = filepath.Join(stateDir, "state.json")
	}

	// Initialize internal state.
	var initErr error
	a.init.Do(func() {
		initErr = a.doInit(ctx)
	})
	if initErr != nil {
		return initErr
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command := env.Args[0]

	switch command {
	case "serve":
		return a.serve(ctx)
	case "send":
		return a.send(ctx, env)
	case "discover":
		return a.discover(ctx, env.Stdout)
	case "chats":
		return a.listChats(ctx, env.Stdout)
	case "refresh":
		return a.refresh(ctx, env.Stdout)
	case "setname":
		if len(env.Args) != 2 {
			return fmt.Errorf("%w: setname command expects a name", cli.ErrInvalidArgs)
		}
		return a.setName(ctx, env.Args[1])
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

type app struct {
	init sync.Once

	// configuration
	addr    string
	jsonOut bool
	listID  string
	promote bool
	state   string
	tgToken string
	// tgAPI overrides the Bot API endpoint in tests.
	tgAPI string
	// now acts as time.Now, but can be mocked for testing.
	now func() time.Time
	// noServerStart is used in tests.
	noServerStart bool

	// initialized by doInit
	httpc    *http.Client
	logf     func(format string, args ...any)
	scrubber *strings.Replacer
	slog     *slog.Logger
	activity *logstream.Buffer
	store    *store.Tiered
	roster   *roster.Roster
	scanner  *discovery.Scanner
	engine   *broadcast.Engine
	mux      *http.ServeMux
	srv      *web.Server

	session  syncx.Protected[*session]
	progress syncx.Protected[*progressState]
}

// session is the state of the current connection. tg is nil while
// disconnected.
type session struct {
	tg  *telegram.Client
	bot telegram.User
	// refreshed guards the automatic roster refresh so it fires at most once
	// per connection lifecycle.
	refreshed bool
}

type progressState struct {
	Running  bool               `json:"running"`
	Progress broadcast.Progress `json:"progress"`
	Result   *broadcast.Result  `json:"result,omitempty"`
}

func (a *app) doInit(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	a.logf = log.New(env.Stderr, "", 0).Printf
	if a.now == nil {
		a.now = time.Now
	}
	if a.httpc == nil {
		a.httpc = request.DefaultClient
	}
	a.slog = logger.Get(ctx).Logger

	if a.tgToken != "" {
		a.scrubber = strings.NewReplacer(
			a.tgToken, "[EXPUNGED]",
		)
	}

	a.activity = logstream.New(logRetention)
	a.activity.Mirror = a.logf

	durable, err := store.Open(ctx, a.state)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	remember, err := loadRemember(ctx, durable)
	if err != nil {
		return err
	}
	a.store = store.NewTiered(store.NewMem(), durable, remember)

	a.roster = roster.New(a.store, a.logf)
	if err := a.roster.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	a.session = syncx.Protect(&session{})
	a.progress = syncx.Protect(&progressState{})

	a.scanner = discovery.New(discovery.Config{
		API:      a,
		Known:    a.roster.Tracked,
		Activity: a.activity,
		Logger:   a.slog,
	})
	a.engine = broadcast.New(broadcast.Config{
		Sender:   a,
		Activity: a.activity,
		Logger:   a.slog,
		OnProgress: func(p broadcast.Progress) {
			a.progress.WriteAccess(func(ps *progressState) { ps.Progress = p })
		},
	})

	// A token in the environment connects eagerly. Failures are reported but
	// don't prevent startup: the web surface can connect later.
	token := a.tgToken
	if token == "" {
		if saved, err := a.store.Get(ctx, store.KeyToken); err == nil && len(saved) > 0 {
			token = string(saved)
		}
	}
	if token != "" {
		if _, err := a.connect(ctx, token, a.store.Remembering()); err != nil {
			a.activity.Errorf("Connection failed: %v", err)
		}
	}

	a.initRoutes()
	a.srv = &web.Server{
		Addr:       a.addr,
		Mux:        a.mux,
		Debuggable: true,
	}

	return nil
}

func loadRemember(ctx context.Context, durable store.Store) (bool, error) {
	b, err := durable.Get(ctx, store.KeyRemember)
	if err != nil {
		return false, fmt.Errorf("failed to read remember preference: %w", err)
	}
	return string(b) == "true", nil
}

// connect verifies the token and establishes a connection session. The token
// shape is checked before any network call.
func (a *app) connect(ctx context.Context, token string, remember bool) (telegram.User, error) {
	if !telegram.ValidToken(token) {
		return telegram.User{}, errInvalidToken
	}

	scrubber := a.scrubber
	if scrubber == nil || token != a.tgToken {
		scrubber = strings.NewReplacer(token, "[EXPUNGED]")
	}
	tg := &telegram.Client{
		Token:      token,
		HTTPClient: a.httpc,
		APIURL:     a.tgAPI,
		Scrubber:   scrubber,
	}
	bot, err := tg.GetMe(ctx)
	if err != nil {
		return telegram.User{}, err
	}

	a.scrubber = scrubber
	a.store.Remember(remember)
	if err := a.persistRemember(ctx, remember); err != nil {
		return telegram.User{}, err
	}
	if err := a.store.Set(ctx, store.KeyToken, []byte(token)); err != nil {
		return telegram.User{}, err
	}

	a.session.WriteAccess(func(s *session) {
		s.tg = tg
		s.bot = bot
		s.refreshed = false
	})
	a.activity.Successf("Connected as @%s.", bot.Username)

	a.autoRefresh(ctx)
	return bot, nil
}

// persistRemember saves the remember preference. It always lives in the
// durable tier, so the choice itself survives a restart.
func (a *app) persistRemember(ctx context.Context, remember bool) error {
	return a.store.Durable().Set(ctx, store.KeyRemember, []byte(strconv.FormatBool(remember)))
}

// autoRefresh revalidates a non-empty roster in the background, at most once
// per connection session.
func (a *app) autoRefresh(ctx context.Context) {
	var fire bool
	a.session.WriteAccess(func(s *session) {
		if s.tg == nil || s.refreshed {
			return
		}
		s.refreshed = true
		fire = true
	})
	if !fire || len(a.roster.Chats()) == 0 {
		return
	}
	go func() {
		active, kicked, err := a.roster.Refresh(ctx, a)
		if err != nil {
			a.activity.Errorf("Roster refresh failed: %v", err)
			return
		}
		a.activity.Infof("Roster refreshed: %d active, %d unreachable.", active, kicked)
	}()
}

// disconnect tears the connection session down and forgets the token.
func (a *app) disconnect(ctx context.Context) error {
	a.session.WriteAccess(func(s *session) {
		s.tg = nil
		s.bot = telegram.User{}
		s.refreshed = false
	})
	if err := a.store.Delete(ctx, store.KeyToken); err != nil {
		return err
	}
	a.activity.Infof("Disconnected.")
	return nil
}

// client returns the current connection's API client.
func (a *app) client() (*telegram.Client, error) {
	var tg *telegram.Client
	a.session.ReadAccess(func(s *session) { tg = s.tg })
	if tg == nil {
		return nil, errNotConnected
	}
	return tg, nil
}

// The app itself is the API collaborator of the broadcast and discovery
// engines, delegating to whatever connection is current.

func (a *app) SendMessage(ctx context.Context, msg telegram.OutgoingMessage) (telegram.Message, error) {
	tg, err := a.client()
	if err != nil {
		return telegram.Message{}, err
	}
	return tg.SendMessage(ctx, msg)
}

func (a *app) GetUpdates(ctx context.Context, offset int64, limit int, allowedUpdates []string) ([]telegram.Update, error) {
	tg, err := a.client()
	if err != nil {
		return nil, err
	}
	return tg.GetUpdates(ctx, offset, limit, allowedUpdates)
}

func (a *app) GetChat(ctx context.Context, chatID string) (telegram.Chat, error) {
	tg, err := a.client()
	if err != nil {
		return telegram.Chat{}, err
	}
	return tg.GetChat(ctx, chatID)
}

func (a *app) GetChatMemberCount(ctx context.Context, chatID string) (int, error) {
	tg, err := a.client()
	if err != nil {
		return 0, err
	}
	return tg.GetChatMemberCount(ctx, chatID)
}

// addChat probes a chat by numeric ID or @username handle and appends it to
// the roster.
func (a *app) addChat(ctx context.Context, identifier string) (roster.Chat, error) {
	chat, err := a.GetChat(ctx, identifier)
	if err != nil {
		return roster.Chat{}, err
	}
	c := roster.Chat{
		ID:       chat.ID,
		Title:    chat.DisplayTitle(),
		Type:     chat.Type,
		Username: chat.Username,
	}
	// The member count is best-effort.
	if count, err := a.GetChatMemberCount(ctx, identifier); err == nil {
		c.MemberCount = count
	}
	if err := a.roster.AddChat(ctx, c); err != nil {
		return roster.Chat{}, err
	}
	a.activity.Successf("Added chat %s.", c.Title)
	return c, nil
}

// promoteCandidate moves a discovery candidate into the roster.
func (a *app) promoteCandidate(ctx context.Context, id int64) (roster.Chat, error) {
	chat, count, err := a.scanner.Promote(ctx, id)
	if err != nil {
		return roster.Chat{}, err
	}
	c := roster.Chat{
		ID:          chat.ID,
		Title:       chat.DisplayTitle(),
		Type:        chat.Type,
		Username:    chat.Username,
		MemberCount: count,
	}
	if err := a.roster.AddChat(ctx, c); err != nil {
		return roster.Chat{}, err
	}
	a.activity.Successf("Added chat %s.", c.Title)
	return c, nil
}

// broadcastTargets resolves chat IDs into broadcast targets with display
// titles, dropping untracked IDs.
func (a *app) broadcastTargets(ids []int64) []broadcast.Target {
	var targets []broadcast.Target
	for _, id := range ids {
		c, ok := a.roster.Chat(id)
		if !ok {
			continue
		}
		targets = append(targets, broadcast.Target{ID: c.ID, Title: c.Title})
	}
	return targets
}

// serve runs the web admin interface until ctx is canceled.
func (a *app) serve(ctx context.Context) error {
	if a.noServerStart {
		return nil
	}
	return a.srv.ListenAndServe(ctx)
}

// send broadcasts a message from the command line. The text comes from the
// argument or, if absent, stdin. Targets are every tracked chat, or the
// members of the -list list.
func (a *app) send(ctx context.Context, env *cli.Env) error {
	var text string
	if len(env.Args) > 1 {
		text = strings.Join(env.Args[1:], " ")
	} else {
		b, err := io.ReadAll(env.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(b))
	}

	var ids []int64
	if a.listID != "" {
		a.roster.ClearSelection()
		if _, err := a.roster.SelectList(a.listID); err != nil {
			return err
		}
		ids = a.roster.ResolveSelection()
		a.roster.ClearSelection()
	} else {
		for _, c := range a.roster.Chats() {
			ids = append(ids, c.ID)
		}
	}

	res, err := a.engine.Broadcast(ctx, text, a.broadcastTargets(ids), broadcast.Options{})
	if err != nil {
		return err
	}
	if err := a.roster.RecordBroadcast(ctx, res.SentIDs, res.FailedIDs, res.FinishedAt); err != nil {
		return err
	}
	if a.jsonOut {
		return printJSON(env.Stdout, res)
	}
	return nil
}

// discover runs one discovery scan and prints the candidates, promoting them
// all when -promote is set.
func (a *app) discover(ctx context.Context, w io.Writer) error {
	candidates, err := a.scanner.Scan(ctx)
	if err != nil {
		return err
	}

	if a.promote {
		var chats []roster.Chat
		for _, cand := range candidates {
			c, err := a.promoteCandidate(ctx, cand.Chat.ID)
			if err != nil {
				continue
			}
			chats = append(chats, c)
		}
		if a.jsonOut {
			return printJSON(w, chats)
		}
		fmt.Fprintf(w, "Added %d of %d candidate chats.\n", len(chats), len(candidates))
		return nil
	}

	if a.jsonOut {
		return printJSON(w, candidates)
	}
	if len(candidates) == 0 {
		fmt.Fprintln(w, "No new chats found.")
		return nil
	}
	for _, cand := range candidates {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", cand.Chat.ID, cand.Chat.Type, cand.Chat.DisplayTitle(), cand.Source)
	}
	return nil
}

// listChats prints the roster.
func (a *app) listChats(_ context.Context, w io.Writer) error {
	chats := a.roster.Chats()
	if a.jsonOut {
		return printJSON(w, chats)
	}
	for _, c := range chats {
		state := "active"
		if c.BotKicked {
			state = "kicked"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.Type, c.Title, state)
	}
	return nil
}

// refresh revalidates every tracked chat once.
func (a *app) refresh(ctx context.Context, w io.Writer) error {
	active, kicked, err := a.roster.Refresh(ctx, a)
	if err != nil {
		return err
	}
	if a.jsonOut {
		return printJSON(w, map[string]int{"active": active, "kicked": kicked})
	}
	fmt.Fprintf(w, "%d active, %d unreachable.\n", active, kicked)
	return nil
}

// setName sets the bot's display name.
func (a *app) setName(ctx context.Context, name string) error {
	tg, err := a.client()
	if err != nil {
		return err
	}
	if err := tg.SetMyName(ctx, name); err != nil {
		return err
	}
	a.activity.Successf("Bot name set to %q.", name)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
