// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logstream implements the rolling activity log: a fixed-size ring
// buffer of typed entries that can be retrieved as a snapshot or streamed
// through an HTTP endpoint using server-sent events.
package logstream

import (
	"container/ring"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Logf is a printf-like logging function.
type Logf func(format string, args ...any)

// Level classifies an activity log entry.
type Level string

// Levels, in increasing order of user attention required.
const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Entry is a single activity log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Buffer holds the most recent entries in a ring buffer. It is safe for
// concurrent use.
type Buffer struct {
	// Mirror, if set, additionally receives every appended entry as a
	// formatted line. It must be set before the first Append.
	Mirror Logf

	mu      sync.RWMutex
	size    int
	r       *ring.Ring
	streams map[chan Entry]struct{}
	now     func() time.Time
}

// New returns a new Buffer that retains the last size entries.
func New(size int) *Buffer {
	return &Buffer{
		size:    size,
		r:       ring.New(size),
		streams: make(map[chan Entry]struct{}),
		now:     time.Now,
	}
}

// Append records a new entry, evicting the oldest one if the buffer is full.
func (b *Buffer) Append(level Level, format string, args ...any) {
	e := Entry{
		Time:    b.now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	}

	b.mu.Lock()
	b.r.Value = e
	b.r = b.r.Next()
	for stream := range b.streams {
		select {
		case stream <- e:
		default:
			// If the receiver is blocking, skip. Slow streams miss entries
			// instead of stalling everyone else.
		}
	}
	b.mu.Unlock()

	if b.Mirror != nil {
		b.Mirror("%s\t%s", level, e.Message)
	}
}

// Infof records an info entry.
func (b *Buffer) Infof(format string, args ...any) { b.Append(Info, format, args...) }

// Successf records a success entry.
func (b *Buffer) Successf(format string, args ...any) { b.Append(Success, format, args...) }

// Warningf records a warning entry.
func (b *Buffer) Warningf(format string, args ...any) { b.Append(Warning, format, args...) }

// Errorf records an error entry.
func (b *Buffer) Errorf(format string, args ...any) { b.Append(Error, format, args...) }

// Entries returns all retained entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]Entry, 0, b.size)
	b.r.Do(func(x any) {
		if x != nil {
			entries = append(entries, x.(Entry))
		}
	})
	return entries
}

// Stream returns a channel that receives newly appended entries. Deregister
// the stream by calling the returned function.
func (b *Buffer) Stream() (<-chan Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := make(chan Entry, b.size+1)
	b.streams[stream] = struct{}{}

	return stream, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.streams, stream)
		close(stream)
	}
}

// ServeHTTP streams entries as server-sent events, replaying the current
// snapshot first.
func (b *Buffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	stream, closeFunc := b.Stream()
	defer closeFunc()

	for _, e := range b.Entries() {
		writeEvent(w, e)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case e := <-stream:
			writeEvent(w, e)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e Entry) {
	// See https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events/Using_server-sent_events
	// for a description of the server-sent events protocol.
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: logentry\ndata: %s\n\n", b)
}
