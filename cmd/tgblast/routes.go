// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.astrophena.name/base/web"
	"go.astrophena.name/tgblast/internal/broadcast"
	"go.astrophena.name/tgblast/internal/roster"
	"go.astrophena.name/tgblast/internal/telegram"

	"github.com/arl/statsviz"
)

// progressClearDelay is how long a finished broadcast result stays visible
// before the progress state resets.
const progressClearDelay = 3 * time.Second

var errConflict = web.StatusErr(http.StatusConflict)

func decodeJSON[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: invalid JSON: %v", web.ErrBadRequest, err)
	}
	return v, nil
}

func (a *app) initRoutes() {
	a.mux = http.NewServeMux()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})

	// Health check.
	web.Health(a.mux)

	// Connection.
	a.mux.HandleFunc("GET /api/status", a.handleStatus)
	a.mux.HandleFunc("POST /api/connect", a.handleConnect)
	a.mux.HandleFunc("POST /api/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if err := a.disconnect(r.Context()); err != nil {
			web.RespondJSONError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Roster.
	a.mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, a.roster.Chats())
	})
	a.mux.HandleFunc("POST /api/chats", a.handleAddChat)
	a.mux.HandleFunc("DELETE /api/chats/{id}", a.handleRemoveChat)
	a.mux.HandleFunc("POST /api/chats/{id}/test", a.handleTestSend)
	a.mux.HandleFunc("POST /api/refresh", a.handleRefresh)

	// Discovery.
	a.mux.HandleFunc("POST /api/discovery/scan", a.handleScan)
	a.mux.HandleFunc("GET /api/discovery", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, a.scanner.Candidates())
	})
	a.mux.HandleFunc("POST /api/discovery/promote", a.handlePromote)

	// Lists and selection.
	a.mux.HandleFunc("GET /api/lists", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, a.roster.Lists())
	})
	a.mux.HandleFunc("POST /api/lists", a.handleCreateList)
	a.mux.HandleFunc("PUT /api/lists/{id}", a.handleUpdateList)
	a.mux.HandleFunc("DELETE /api/lists/{id}", a.handleDeleteList)
	a.mux.HandleFunc("POST /api/lists/{id}/select", a.handleSelectList)
	a.mux.HandleFunc("POST /api/lists/{id}/exclude", a.handleExcludeList)
	a.mux.HandleFunc("GET /api/selection", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, selectionResponse{
			Selection: a.roster.CurrentSelection(),
			Resolved:  a.roster.ResolveSelection(),
		})
	})
	a.mux.HandleFunc("POST /api/selection/chats", a.handleSelectChat)
	a.mux.HandleFunc("DELETE /api/selection", func(w http.ResponseWriter, r *http.Request) {
		a.roster.ClearSelection()
		w.WriteHeader(http.StatusNoContent)
	})

	// Templates.
	a.mux.HandleFunc("GET /api/templates", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, a.roster.Templates())
	})
	a.mux.HandleFunc("POST /api/templates", a.handleCreateTemplate)
	a.mux.HandleFunc("PUT /api/templates/{id}", a.handleUpdateTemplate)
	a.mux.HandleFunc("DELETE /api/templates/{id}", a.handleDeleteTemplate)
	a.mux.HandleFunc("POST /api/templates/{id}/apply", a.handleApplyTemplate)

	// Broadcast.
	a.mux.HandleFunc("POST /api/broadcast", a.handleBroadcast)
	a.mux.HandleFunc("GET /api/broadcast/progress", func(w http.ResponseWriter, r *http.Request) {
		var snapshot progressState
		a.progress.ReadAccess(func(ps *progressState) { snapshot = *ps })
		web.RespondJSON(w, snapshot)
	})

	// Activity log.
	a.mux.HandleFunc("GET /api/logs", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, a.activity.Entries())
	})
	a.mux.Handle("GET /api/logs/stream", a.activity)

	// Debug routes.
	dbg := web.Debugger(a.mux)
	dbg.KVFunc("Tracked chats", func() any { return len(a.roster.Chats()) })
	dbg.KVFunc("Connected", func() any {
		_, err := a.client()
		return err == nil
	})
	statsviz.Register(a.mux)
	dbg.Link("/debug/statsviz", "Metrics")
	dbg.Link("/api/logs", "Activity log")
}

type selectionResponse struct {
	Selection roster.Selection `json:"selection"`
	Resolved  []int64          `json:"resolved"`
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		Connected bool           `json:"connected"`
		Bot       *telegram.User `json:"bot,omitempty"`
		Remember  bool           `json:"remember"`
		Chats     int            `json:"chats"`
	}
	st := status{
		Remember: a.store.Remembering(),
		Chats:    len(a.roster.Chats()),
	}
	a.session.ReadAccess(func(s *session) {
		if s.tg != nil {
			st.Connected = true
			bot := s.bot
			st.Bot = &bot
		}
	})
	web.RespondJSON(w, st)
}

func (a *app) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[struct {
		Token    string `json:"token"`
		Remember bool   `json:"remember"`
	}](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	bot, err := a.connect(r.Context(), req.Token, req.Remember)
	if err != nil {
		if errors.Is(err, errInvalidToken) {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
			return
		}
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, bot)
}

func (a *app) handleAddChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[struct {
		Identifier string `json:"identifier"`
	}](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if req.Identifier == "" {
		web.RespondJSONError(w, r, fmt.Errorf("%w: identifier is required", web.ErrBadRequest))
		return
	}
	chat, err := a.addChat(r.Context(), req.Identifier)
	if err != nil {
		if errors.Is(err, roster.ErrDuplicateChat) {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %v", errConflict, err))
			return
		}
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, chat)
}

func chatID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad chat id", web.ErrBadRequest)
	}
	return id, nil
}

func (a *app) handleRemoveChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if err := a.roster.RemoveChat(r.Context(), id); err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	a.activity.Infof("Removed chat %d.", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleTestSend(w http.ResponseWriter, r *http.Request) {
	id, err := chatID(r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	chat, ok := a.roster.Chat(id)
	if !ok {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrNotFound, roster.ErrChatNotFound))
		return
	}
	_, err = a.SendMessage(r.Context(), telegram.OutgoingMessage{
		ChatID: strconv.FormatInt(id, 10),
		Text:   "Test message from tgblast.",
	})
	if err != nil {
		a.activity.Errorf("Test send to %s failed: %v", chat.Title, err)
		web.RespondJSONError(w, r, err)
		return
	}
	a.activity.Successf("Test message sent to %s.", chat.Title)
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	active, kicked, err := a.roster.Refresh(r.Context(), a)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	a.activity.Infof("Roster refreshed: %d active, %d unreachable.", active, kicked)
	web.RespondJSON(w, map[string]int{"active": active, "kicked": kicked})
}

func (a *app) handleScan(w http.ResponseWriter, r *http.Request) {
	candidates, err := a.scanner.Scan(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, candidates)
}

func (a *app) handlePromote(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[struct {
		ID int64 `json:"id"`
	}](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	chat, err := a.promoteCandidate(r.Context(), req.ID)
	if err != nil {
		if errors.Is(err, roster.ErrDuplicateChat) {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %v", errConflict, err))
			return
		}
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, chat)
}

// listRequest is the body of list create and update calls.
type listRequest struct {
	Name     string  `json:"name"`
	Color    string  `json:"color"`
	Icon     string  `json:"icon"`
	ParentID string  `json:"parent_id"`
	ChatIDs  []int64 `json:"chat_ids"`
}

func (a *app) handleCreateList(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[listRequest](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if req.Name == "" {
		web.RespondJSONError(w, r, fmt.Errorf("%w: name is required", web.ErrBadRequest))
		return
	}
	list, err := a.roster.CreateList(r.Context(), req.Name, req.Color, req.Icon, req.ParentID, req.ChatIDs)
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	a.activity.Successf("Created list %s.", list.Name)
	web.RespondJSON(w, list)
}

func (a *app) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[listRequest](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	list, err := a.roster.UpdateList(r.Context(), r.PathValue("id"), req.Name, req.Color, req.Icon, req.ChatIDs)
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	web.RespondJSON(w, list)
}

func (a *app) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	removed, err := a.roster.DeleteList(r.Context(), r.PathValue("id"))
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	a.activity.Infof("Deleted %d list(s).", len(removed))
	web.RespondJSON(w, map[string][]string{"removed": removed})
}

func (a *app) handleSelectList(w http.ResponseWriter, r *http.Request) {
	selected, err := a.roster.SelectList(r.PathValue("id"))
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	web.RespondJSON(w, map[string]bool{"selected": selected})
}

func (a *app) handleExcludeList(w http.ResponseWriter, r *http.Request) {
	excluded, err := a.roster.ExcludeList(r.PathValue("id"))
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	web.RespondJSON(w, map[string]bool{"excluded": excluded})
}

func (a *app) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[struct {
		ID       int64 `json:"id"`
		Selected bool  `json:"selected"`
	}](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if !a.roster.Tracked(req.ID) {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrNotFound, roster.ErrChatNotFound))
		return
	}
	a.roster.SelectChat(req.ID, req.Selected)
	w.WriteHeader(http.StatusNoContent)
}

// templateRequest is the body of template create and update calls.
type templateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *app) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[templateRequest](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if req.Name == "" || req.Content == "" {
		web.RespondJSONError(w, r, fmt.Errorf("%w: name and content are required", web.ErrBadRequest))
		return
	}
	tmpl, err := a.roster.CreateTemplate(r.Context(), req.Name, req.Content)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, tmpl)
}

func (a *app) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[templateRequest](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	tmpl, err := a.roster.UpdateTemplate(r.Context(), r.PathValue("id"), req.Name, req.Content)
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	web.RespondJSON(w, tmpl)
}

func (a *app) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.roster.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := a.roster.ApplyTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		web.RespondJSONError(w, r, rosterErr(err))
		return
	}
	web.RespondJSON(w, tmpl)
}

func (a *app) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[struct {
		Text                string `json:"text"`
		ParseMode           string `json:"parse_mode"`
		DisableNotification bool   `json:"disable_notification"`
		ProtectContent      bool   `json:"protect_content"`
		// Targets overrides the current selection when non-empty.
		Targets []int64 `json:"targets"`
	}](r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}

	ids := req.Targets
	if len(ids) == 0 {
		ids = a.roster.ResolveSelection()
	}
	targets := a.broadcastTargets(ids)

	if req.Text == "" {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, broadcast.ErrEmptyMessage))
		return
	}
	if len(targets) == 0 {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, broadcast.ErrNoTargets))
		return
	}
	if _, err := a.client(); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
		return
	}

	var started bool
	a.progress.WriteAccess(func(ps *progressState) {
		if ps.Running {
			return
		}
		*ps = progressState{
			Running:  true,
			Progress: broadcast.Progress{Total: len(targets)},
		}
		started = true
	})
	if !started {
		web.RespondJSONError(w, r, fmt.Errorf("%w: a broadcast is already running", errConflict))
		return
	}

	opts := broadcast.Options{
		ParseMode:           req.ParseMode,
		DisableNotification: req.DisableNotification,
		ProtectContent:      req.ProtectContent,
	}
	go a.runBroadcast(context.WithoutCancel(r.Context()), req.Text, targets, opts)

	web.RespondJSON(w, map[string]int{"total": len(targets)})
}

// runBroadcast drives an asynchronous broadcast to completion and parks the
// result in the progress state for a short display window.
func (a *app) runBroadcast(ctx context.Context, text string, targets []broadcast.Target, opts broadcast.Options) {
	res, err := a.engine.Broadcast(ctx, text, targets, opts)
	if err != nil && res == nil {
		a.activity.Errorf("Broadcast failed: %v", err)
		a.progress.WriteAccess(func(ps *progressState) { *ps = progressState{} })
		return
	}
	if err := a.roster.RecordBroadcast(ctx, res.SentIDs, res.FailedIDs, res.FinishedAt); err != nil {
		a.activity.Errorf("Failed to save broadcast stats: %v", err)
	}
	a.progress.WriteAccess(func(ps *progressState) {
		ps.Running = false
		ps.Progress = broadcast.Progress{Sent: res.Sent, Failed: res.Failed, Total: res.Total}
		ps.Result = res
	})
	time.AfterFunc(progressClearDelay, func() {
		a.progress.WriteAccess(func(ps *progressState) {
			if ps.Running {
				return
			}
			*ps = progressState{}
		})
	})
}

// rosterErr maps roster sentinel errors to HTTP statuses.
func rosterErr(err error) error {
	switch {
	case errors.Is(err, roster.ErrChatNotFound),
		errors.Is(err, roster.ErrListNotFound),
		errors.Is(err, roster.ErrTemplateNotFound):
		return fmt.Errorf("%w: %v", web.ErrNotFound, err)
	case errors.Is(err, roster.ErrDuplicateChat),
		errors.Is(err, roster.ErrParentListMissing):
		return fmt.Errorf("%w: %v", web.ErrBadRequest, err)
	}
	return err
}
