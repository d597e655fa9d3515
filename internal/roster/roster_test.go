// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package roster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"go.astrophena.name/base/testutil"
	"go.astrophena.name/tgblast/internal/store"
	"go.astrophena.name/tgblast/internal/telegram"
)

func testRoster(t *testing.T) (*Roster, *store.Mem) {
	s := store.NewMem()
	r := New(s, t.Logf)
	seq := 0
	r.newID = func() string {
		seq++
		return fmt.Sprintf("list%d", seq)
	}
	return r, s
}

func addChats(t *testing.T, r *Roster, ids ...int64) {
	for _, id := range ids {
		if err := r.AddChat(context.Background(), Chat{
			ID:    id,
			Title: fmt.Sprintf("Chat %d", id),
			Type:  telegram.ChatGroup,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAddChatRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	addChats(t, r, 100)

	err := r.AddChat(context.Background(), Chat{ID: 100, Type: telegram.ChatGroup})
	if !errors.Is(err, ErrDuplicateChat) {
		t.Fatalf("got %v, want ErrDuplicateChat", err)
	}
}

func TestRemoveChatStripsListsAndSelection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)
	addChats(t, r, 100, 200)

	l, err := r.CreateList(ctx, "news", "", "", "", []int64{100, 200})
	if err != nil {
		t.Fatal(err)
	}
	r.SelectChat(100, true)

	if err := r.RemoveChat(ctx, 100); err != nil {
		t.Fatal(err)
	}

	got, _ := r.List(l.ID)
	testutil.AssertEqual(t, got.ChatIDs, []int64{200})
	testutil.AssertEqual(t, r.CurrentSelection().ChatIDs, []int64{})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := testRoster(t)
	addChats(t, r, 100, 200, 300)

	r2 := New(s, t.Logf)
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, r2.Chats(), r.Chats())
}

func TestLoadRejectsWholeArrayOnInvalidEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMem()
	// The second entry has no id, so the whole array must be discarded.
	s.Set(ctx, store.KeyChats, []byte(`[{"id":100,"title":"a","type":"group"},{"title":"b","type":"group"}]`))

	var logged []string
	r := New(s, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(r.Chats()), 0)
	if len(logged) == 0 || !strings.Contains(logged[0], "structurally invalid") {
		t.Fatalf("discard was not logged: %v", logged)
	}
}

func TestLoadDiscardsMalformedJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMem()
	s.Set(ctx, store.KeyLists, []byte(`{not json`))

	var logged []string
	r := New(s, func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(r.Lists()), 0)
	if len(logged) == 0 || !strings.Contains(logged[0], "malformed JSON") {
		t.Fatalf("discard was not logged: %v", logged)
	}
}

func TestResolveSelectionEmpty(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	addChats(t, r, 100, 200)

	testutil.AssertEqual(t, r.ResolveSelection(), []int64{})
}

func TestResolveSelectionExcludesDescendant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)
	addChats(t, r, 1, 2, 3, 4)

	parent, err := r.CreateList(ctx, "all", "", "", "", []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	child, err := r.CreateList(ctx, "noisy", "", "", parent.ID, []int64{3, 4})
	if err != nil {
		t.Fatal(err)
	}

	// Selecting the parent pulls in the child's chats transitively.
	if _, err := r.SelectList(parent.ID); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, r.ResolveSelection(), []int64{1, 2, 3, 4})

	// Excluding the child removes exactly its chats.
	if _, err := r.ExcludeList(child.ID); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, r.ResolveSelection(), []int64{1, 2})
}

func TestSelectAndExcludeAreMutuallyExclusive(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	l, err := r.CreateList(context.Background(), "news", "", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.SelectList(l.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ExcludeList(l.ID); err != nil {
		t.Fatal(err)
	}
	sel := r.CurrentSelection()
	testutil.AssertEqual(t, sel.SelectedLists, []string{})
	testutil.AssertEqual(t, sel.ExcludedLists, []string{l.ID})

	if _, err := r.SelectList(l.ID); err != nil {
		t.Fatal(err)
	}
	sel = r.CurrentSelection()
	testutil.AssertEqual(t, sel.SelectedLists, []string{l.ID})
	testutil.AssertEqual(t, sel.ExcludedLists, []string{})
}

func TestResolveSelectionIgnoresUntrackedChats(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	addChats(t, r, 1)

	r.SelectChat(1, true)
	r.SelectChat(999, true) // never tracked
	testutil.AssertEqual(t, r.ResolveSelection(), []int64{1})
}

func TestDeleteListCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)

	root, err := r.CreateList(ctx, "root", "", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	childA, err := r.CreateList(ctx, "a", "", "", root.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	childB, err := r.CreateList(ctx, "b", "", "", root.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := r.CreateList(ctx, "aa", "", "", childA.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := r.CreateList(ctx, "other", "", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.SelectList(childA.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ExcludeList(grandchild.ID); err != nil {
		t.Fatal(err)
	}

	removed, err := r.DeleteList(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{root.ID, childA.ID, childB.ID, grandchild.ID}
	testutil.AssertEqual(t, len(removed), 4)
	for _, id := range want {
		if !slices.Contains(removed, id) {
			t.Fatalf("list %s not among removed %v", id, removed)
		}
	}

	lists := r.Lists()
	testutil.AssertEqual(t, len(lists), 1)
	testutil.AssertEqual(t, lists[0].ID, other.ID)

	sel := r.CurrentSelection()
	testutil.AssertEqual(t, sel.SelectedLists, []string{})
	testutil.AssertEqual(t, sel.ExcludedLists, []string{})
}

func TestCreateListRejectsMissingParent(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	_, err := r.CreateList(context.Background(), "orphan", "", "", "nope", nil)
	if !errors.Is(err, ErrParentListMissing) {
		t.Fatalf("got %v, want ErrParentListMissing", err)
	}
}

func TestCreateListDedupesChats(t *testing.T) {
	t.Parallel()

	r, _ := testRoster(t)
	l, err := r.CreateList(context.Background(), "news", "", "", "", []int64{1, 2, 1, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, l.ChatIDs, []int64{1, 2, 3})
}

func TestRecordBroadcastExactAttribution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)
	addChats(t, r, 1, 2, 3, 4)

	l1, err := r.CreateList(ctx, "one", "", "", "", []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := r.CreateList(ctx, "two", "", "", "", []int64{3})
	if err != nil {
		t.Fatal(err)
	}
	untouched, err := r.CreateList(ctx, "three", "", "", "", []int64{4})
	if err != nil {
		t.Fatal(err)
	}

	at := r.now()
	if err := r.RecordBroadcast(ctx, []int64{1, 3}, []int64{2}, at); err != nil {
		t.Fatal(err)
	}

	got1, _ := r.List(l1.ID)
	testutil.AssertEqual(t, got1.Stats, ListStats{Sent: 1, Failed: 1, LastBroadcast: at})
	got2, _ := r.List(l2.ID)
	testutil.AssertEqual(t, got2.Stats, ListStats{Sent: 1, Failed: 0, LastBroadcast: at})
	got3, _ := r.List(untouched.ID)
	testutil.AssertEqual(t, got3.Stats, ListStats{})
}

type fakeProber struct {
	chats  map[int64]telegram.Chat
	counts map[int64]int
}

func (p *fakeProber) GetChat(_ context.Context, chatID string) (telegram.Chat, error) {
	for id, c := range p.chats {
		if fmt.Sprint(id) == chatID {
			return c, nil
		}
	}
	return telegram.Chat{}, &telegram.Error{Code: 403, Description: "Forbidden: bot was kicked"}
}

func (p *fakeProber) GetChatMemberCount(_ context.Context, chatID string) (int, error) {
	for id, n := range p.counts {
		if fmt.Sprint(id) == chatID {
			return n, nil
		}
	}
	return 0, &telegram.Error{Code: 400, Description: "Bad Request"}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)
	addChats(t, r, 1, 2, 3)

	p := &fakeProber{
		chats: map[int64]telegram.Chat{
			1: {ID: 1, Type: telegram.ChatGroup, Title: "Renamed"},
			3: {ID: 3, Type: telegram.ChatChannel, Title: "Chan"},
		},
		counts: map[int64]int{1: 54},
	}

	active, kicked, err := r.Refresh(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, active, 2)
	testutil.AssertEqual(t, kicked, 1)

	c1, _ := r.Chat(1)
	testutil.AssertEqual(t, c1.Title, "Renamed")
	testutil.AssertEqual(t, c1.MemberCount, 54)
	testutil.AssertEqual(t, c1.BotKicked, false)

	c2, _ := r.Chat(2)
	testutil.AssertEqual(t, c2.BotKicked, true)
	// Failure leaves other fields untouched.
	testutil.AssertEqual(t, c2.Title, "Chat 2")

	// A later successful probe clears the flag.
	p.chats[2] = telegram.Chat{ID: 2, Type: telegram.ChatGroup, Title: "Back"}
	active, kicked, err = r.Refresh(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, active, 3)
	testutil.AssertEqual(t, kicked, 0)
	c2, _ = r.Chat(2)
	testutil.AssertEqual(t, c2.BotKicked, false)
}

func TestApplyTemplateBumpsLastUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testRoster(t)

	tpl, err := r.CreateTemplate(ctx, "greeting", "hello everyone")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tpl.LastUsed.IsZero(), true)

	applied, err := r.ApplyTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, applied.Content, "hello everyone")
	testutil.AssertEqual(t, applied.LastUsed.IsZero(), false)
}
