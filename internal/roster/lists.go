// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package roster

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Lists returns a copy of all lists.
func (r *Roster) Lists() []List {
	r.mu.Lock()
	defer r.mu.Unlock()
	lists := slices.Clone(r.lists)
	for i := range lists {
		lists[i].ChatIDs = slices.Clone(lists[i].ChatIDs)
	}
	return lists
}

// List looks up a list by ID.
func (r *Roster) List(id string) (List, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.findList(id)
	if !ok {
		return List{}, false
	}
	out := *l
	out.ChatIDs = slices.Clone(l.ChatIDs)
	return out, true
}

func (r *Roster) findList(id string) (*List, bool) {
	for i := range r.lists {
		if r.lists[i].ID == id {
			return &r.lists[i], true
		}
	}
	return nil, false
}

// CreateList creates a new list. Duplicate chat IDs within the list are
// collapsed; a nonexistent parent is rejected.
func (r *Roster) CreateList(ctx context.Context, name, color, icon, parentID string, chatIDs []int64) (List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if parentID != "" {
		if _, ok := r.findList(parentID); !ok {
			return List{}, fmt.Errorf("%w: %q", ErrParentListMissing, parentID)
		}
	}

	l := List{
		ID:       r.newID(),
		Name:     name,
		Color:    color,
		Icon:     icon,
		ChatIDs:  dedupe(chatIDs),
		ParentID: parentID,
	}
	r.lists = append(r.lists, l)
	return l, r.saveLists(ctx)
}

// UpdateList replaces the name, color, icon and membership of a list.
func (r *Roster) UpdateList(ctx context.Context, id, name, color, icon string, chatIDs []int64) (List, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.findList(id)
	if !ok {
		return List{}, fmt.Errorf("%w: %q", ErrListNotFound, id)
	}
	l.Name = name
	l.Color = color
	l.Icon = icon
	l.ChatIDs = dedupe(chatIDs)
	return *l, r.saveLists(ctx)
}

func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// DeleteList removes a list and, transitively, every list whose parent chain
// points to it. All removed lists also leave the selection and exclusion
// sets. It returns the IDs of all removed lists.
func (r *Roster) DeleteList(ctx context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.findList(id); !ok {
		return nil, fmt.Errorf("%w: %q", ErrListNotFound, id)
	}

	doomed := map[string]bool{id: true}
	// Chase descendants until the set stops growing: children may themselves
	// have children.
	for {
		grew := false
		for _, l := range r.lists {
			if l.ParentID != "" && doomed[l.ParentID] && !doomed[l.ID] {
				doomed[l.ID] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	removed := make([]string, 0, len(doomed))
	r.lists = slices.DeleteFunc(r.lists, func(l List) bool {
		if doomed[l.ID] {
			removed = append(removed, l.ID)
			delete(r.selectedLists, l.ID)
			delete(r.excludedLists, l.ID)
			return true
		}
		return false
	})
	slices.Sort(removed)
	return removed, r.saveLists(ctx)
}

// SelectChat adds or removes a single chat from the broadcast selection.
func (r *Roster) SelectChat(id int64, selected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if selected {
		r.selectedChats[id] = true
	} else {
		delete(r.selectedChats, id)
	}
}

// SelectList toggles a list's selection. Selecting a list clears its
// exclusion flag: a list cannot be selected and excluded at the same time.
func (r *Roster) SelectList(id string) (selected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.findList(id); !ok {
		return false, fmt.Errorf("%w: %q", ErrListNotFound, id)
	}
	if r.selectedLists[id] {
		delete(r.selectedLists, id)
		return false, nil
	}
	r.selectedLists[id] = true
	delete(r.excludedLists, id)
	return true, nil
}

// ExcludeList toggles a list's exclusion, clearing its selection flag.
func (r *Roster) ExcludeList(id string) (excluded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.findList(id); !ok {
		return false, fmt.Errorf("%w: %q", ErrListNotFound, id)
	}
	if r.excludedLists[id] {
		delete(r.excludedLists, id)
		return false, nil
	}
	r.excludedLists[id] = true
	delete(r.selectedLists, id)
	return true, nil
}

// ClearSelection resets the broadcast selection.
func (r *Roster) ClearSelection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.selectedChats)
	clear(r.selectedLists)
	clear(r.excludedLists)
}

// Selection describes the current broadcast selection state.
type Selection struct {
	ChatIDs       []int64  `json:"chat_ids"`
	SelectedLists []string `json:"selected_lists"`
	ExcludedLists []string `json:"excluded_lists"`
}

// CurrentSelection returns the raw selection state.
func (r *Roster) CurrentSelection() Selection {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Selection{
		ChatIDs:       sortedKeys(r.selectedChats),
		SelectedLists: sortedStrings(r.selectedLists),
		ExcludedLists: sortedStrings(r.excludedLists),
	}
	return s
}

// ResolveSelection materializes the target set for a broadcast: the union of
// explicitly selected chats and chats from selected lists (including their
// descendant lists), minus chats from excluded lists (also transitive). The
// result is sorted and contains only tracked chats.
func (r *Roster) ResolveSelection() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	include := make(map[int64]bool)
	for id := range r.selectedChats {
		include[id] = true
	}
	for id := range r.selectedLists {
		for _, chatID := range r.listChatIDs(id) {
			include[chatID] = true
		}
	}
	for id := range r.excludedLists {
		for _, chatID := range r.listChatIDs(id) {
			delete(include, chatID)
		}
	}

	ids := make([]int64, 0, len(include))
	for id := range include {
		if slices.ContainsFunc(r.chats, func(c Chat) bool { return c.ID == id }) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// listChatIDs collects the chat IDs of a list and all its descendants.
func (r *Roster) listChatIDs(id string) []int64 {
	var ids []int64
	l, ok := r.findList(id)
	if !ok {
		return nil
	}
	ids = append(ids, l.ChatIDs...)
	for _, child := range r.lists {
		if child.ParentID == id {
			ids = append(ids, r.listChatIDs(child.ID)...)
		}
	}
	return ids
}

// RecordBroadcast attributes per-chat broadcast results to every list whose
// membership intersects the attempted target set, and stamps the broadcast
// time. Attribution is exact: each list is credited only with the outcomes of
// its own members.
func (r *Roster) RecordBroadcast(ctx context.Context, sent, failed []int64, at time.Time) error {
	sentSet := make(map[int64]bool, len(sent))
	for _, id := range sent {
		sentSet[id] = true
	}
	failedSet := make(map[int64]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed bool
	for i := range r.lists {
		var listSent, listFailed int
		for _, chatID := range r.lists[i].ChatIDs {
			switch {
			case sentSet[chatID]:
				listSent++
			case failedSet[chatID]:
				listFailed++
			}
		}
		if listSent == 0 && listFailed == 0 {
			continue
		}
		r.lists[i].Stats.Sent += listSent
		r.lists[i].Stats.Failed += listFailed
		r.lists[i].Stats.LastBroadcast = at
		changed = true
	}
	if !changed {
		return nil
	}
	return r.saveLists(ctx)
}

func sortedKeys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedStrings(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
