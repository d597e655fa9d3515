// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/base/testutil"
	"go.astrophena.name/tgblast/internal/broadcast"
	"go.astrophena.name/tgblast/internal/logstream"
	"go.astrophena.name/tgblast/internal/roster"
)

// doJSON performs a request against the app's mux and decodes the JSON
// response into T.
func doJSON[T any](t *testing.T, a *app, method, path string, body any) (T, int) {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, r)

	var v T
	if w.Body.Len() > 0 && w.Code < 300 {
		v = testutil.UnmarshalJSON[T](t, w.Body.Bytes())
	}
	return v, w.Code
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	type status struct {
		Connected bool `json:"connected"`
		Bot       *struct {
			Username string `json:"username"`
		} `json:"bot"`
		Chats int `json:"chats"`
	}

	st, code := doJSON[status](t, a, http.MethodGet, "/api/status", nil)
	testutil.AssertEqual(t, code, http.StatusOK)
	testutil.AssertEqual(t, st.Connected, true)
	testutil.AssertEqual(t, st.Bot.Username, "blast_bot")
	testutil.AssertEqual(t, st.Chats, 0)

	if _, code := doJSON[struct{}](t, a, http.MethodPost, "/api/disconnect", nil); code != http.StatusNoContent {
		t.Fatalf("disconnect: got status %d", code)
	}
	st, _ = doJSON[status](t, a, http.MethodGet, "/api/status", nil)
	testutil.AssertEqual(t, st.Connected, false)
}

func TestConnectEndpointRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))
	_, code := doJSON[struct{}](t, a, http.MethodPost, "/api/connect", map[string]any{
		"token": "not a token",
	})
	testutil.AssertEqual(t, code, http.StatusBadRequest)
}

func TestChatEndpoints(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	chat, code := doJSON[roster.Chat](t, a, http.MethodPost, "/api/chats", map[string]any{
		"identifier": "@friends",
	})
	testutil.AssertEqual(t, code, http.StatusOK)
	testutil.AssertEqual(t, chat.ID, int64(100))

	// Duplicate add conflicts.
	_, code = doJSON[struct{}](t, a, http.MethodPost, "/api/chats", map[string]any{
		"identifier": "@friends",
	})
	testutil.AssertEqual(t, code, http.StatusConflict)

	chats, _ := doJSON[[]roster.Chat](t, a, http.MethodGet, "/api/chats", nil)
	testutil.AssertEqual(t, len(chats), 1)

	if _, code := doJSON[struct{}](t, a, http.MethodPost, "/api/chats/100/test", nil); code != http.StatusNoContent {
		t.Fatalf("test send: got status %d", code)
	}

	if _, code := doJSON[struct{}](t, a, http.MethodDelete, "/api/chats/100", nil); code != http.StatusNoContent {
		t.Fatalf("remove: got status %d", code)
	}
	_, code = doJSON[struct{}](t, a, http.MethodDelete, "/api/chats/100", nil)
	testutil.AssertEqual(t, code, http.StatusNotFound)
}

func TestListEndpoints(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))
	if _, err := a.addChat(t.Context(), "@friends"); err != nil {
		t.Fatal(err)
	}

	list, code := doJSON[roster.List](t, a, http.MethodPost, "/api/lists", map[string]any{
		"name": "Everyone", "color": "#ff0000", "chat_ids": []int64{100},
	})
	testutil.AssertEqual(t, code, http.StatusOK)

	// A parent that doesn't exist is rejected.
	_, code = doJSON[struct{}](t, a, http.MethodPost, "/api/lists", map[string]any{
		"name": "Orphan", "parent_id": "nope",
	})
	testutil.AssertEqual(t, code, http.StatusBadRequest)

	if _, code := doJSON[map[string]bool](t, a, http.MethodPost, "/api/lists/"+list.ID+"/select", nil); code != http.StatusOK {
		t.Fatalf("select: got status %d", code)
	}

	type selResp struct {
		Resolved []int64 `json:"resolved"`
	}
	sel, _ := doJSON[selResp](t, a, http.MethodGet, "/api/selection", nil)
	testutil.AssertEqual(t, sel.Resolved, []int64{100})

	removed, code := doJSON[map[string][]string](t, a, http.MethodDelete, "/api/lists/"+list.ID, nil)
	testutil.AssertEqual(t, code, http.StatusOK)
	testutil.AssertEqual(t, removed["removed"], []string{list.ID})

	sel, _ = doJSON[selResp](t, a, http.MethodGet, "/api/selection", nil)
	testutil.AssertEqual(t, len(sel.Resolved), 0)
}

func TestTemplateEndpoints(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	tmpl, code := doJSON[roster.Template](t, a, http.MethodPost, "/api/templates", map[string]any{
		"name": "Greeting", "content": "Hello!",
	})
	testutil.AssertEqual(t, code, http.StatusOK)

	// Missing fields are rejected.
	_, code = doJSON[struct{}](t, a, http.MethodPost, "/api/templates", map[string]any{
		"name": "Empty",
	})
	testutil.AssertEqual(t, code, http.StatusBadRequest)

	applied, code := doJSON[roster.Template](t, a, http.MethodPost, "/api/templates/"+tmpl.ID+"/apply", nil)
	testutil.AssertEqual(t, code, http.StatusOK)
	testutil.AssertEqual(t, applied.Content, "Hello!")
	if applied.LastUsed.IsZero() {
		t.Fatal("LastUsed not set after apply")
	}

	if _, code := doJSON[struct{}](t, a, http.MethodDelete, "/api/templates/"+tmpl.ID, nil); code != http.StatusNoContent {
		t.Fatalf("delete: got status %d", code)
	}
	_, code = doJSON[struct{}](t, a, http.MethodPost, "/api/templates/"+tmpl.ID+"/apply", nil)
	testutil.AssertEqual(t, code, http.StatusNotFound)
}

func TestBroadcastEndpointValidation(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))

	// Empty message.
	_, code := doJSON[struct{}](t, a, http.MethodPost, "/api/broadcast", map[string]any{
		"text": "", "targets": []int64{100},
	})
	testutil.AssertEqual(t, code, http.StatusBadRequest)

	// Empty selection.
	_, code = doJSON[struct{}](t, a, http.MethodPost, "/api/broadcast", map[string]any{
		"text": "hello",
	})
	testutil.AssertEqual(t, code, http.StatusBadRequest)
}

func TestBroadcastEndpoint(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	a := testApp(t, tm)
	if _, err := a.addChat(t.Context(), "@friends"); err != nil {
		t.Fatal(err)
	}

	res, code := doJSON[map[string]int](t, a, http.MethodPost, "/api/broadcast", map[string]any{
		"text": "hello", "targets": []int64{100},
	})
	testutil.AssertEqual(t, code, http.StatusOK)
	testutil.AssertEqual(t, res["total"], 1)

	// The broadcast runs in the background; wait for its result to land in
	// the progress state.
	var result *broadcast.Result
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.progress.ReadAccess(func(ps *progressState) { result = ps.Result })
		if result != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if result == nil {
		t.Fatal("broadcast did not finish in time")
	}
	testutil.AssertEqual(t, result.Sent, 1)
	testutil.AssertEqual(t, result.SuccessRate, 100)

	// The last send went through the mocked API.
	testutil.AssertEqual(t, tm.sentMessages[len(tm.sentMessages)-1]["text"], "hello")
}

func TestLogsEndpoint(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))
	a.activity.Infof("hello from the log")

	entries, code := doJSON[[]logstream.Entry](t, a, http.MethodGet, "/api/logs", nil)
	testutil.AssertEqual(t, code, http.StatusOK)

	var found bool
	for _, e := range entries {
		if strings.Contains(e.Message, "hello from the log") {
			found = true
		}
	}
	if !found {
		t.Fatal("appended entry not returned")
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	a := testApp(t, testMux(t, nil))
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
}
