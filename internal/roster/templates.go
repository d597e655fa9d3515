// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package roster

import (
	"context"
	"fmt"
	"slices"
)

// Templates returns a copy of all saved message templates.
func (r *Roster) Templates() []Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.templates)
}

// CreateTemplate saves a new message template.
func (r *Roster) CreateTemplate(ctx context.Context, name, content string) (Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := Template{
		ID:        r.newID(),
		Name:      name,
		Content:   content,
		CreatedAt: r.now(),
	}
	r.templates = append(r.templates, t)
	return t, r.saveTemplates(ctx)
}

// UpdateTemplate replaces the name and content of a template.
func (r *Roster) UpdateTemplate(ctx context.Context, id, name, content string) (Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.templates, func(t Template) bool { return t.ID == id })
	if i < 0 {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	r.templates[i].Name = name
	r.templates[i].Content = content
	return r.templates[i], r.saveTemplates(ctx)
}

// DeleteTemplate removes a template.
func (r *Roster) DeleteTemplate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.templates, func(t Template) bool { return t.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	r.templates = slices.Delete(r.templates, i, i+1)
	return r.saveTemplates(ctx)
}

// ApplyTemplate returns a template for use in the compose field, updating its
// last-used time.
func (r *Roster) ApplyTemplate(ctx context.Context, id string) (Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.templates, func(t Template) bool { return t.ID == id })
	if i < 0 {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	r.templates[i].LastUsed = r.now()
	return r.templates[i], r.saveTemplates(ctx)
}
