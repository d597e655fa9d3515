// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package broadcast delivers one message body to many chats while respecting
// a client-enforced pace.
//
// Targets are partitioned into fixed-size batches; all sends within a batch
// run concurrently and the engine pauses between batches. Individual send
// failures are reported and counted, never retried, and never abort the
// batch or the batches after it. There is no central queue and no
// persistence of in-flight state: the broadcast runs to completion or until
// the surrounding process is torn down.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.astrophena.name/base/syncx"
	"go.astrophena.name/tgblast/internal/logstream"
	"go.astrophena.name/tgblast/internal/telegram"
)

const (
	batchSize       = 30          // N sends that run concurrently in one batch
	interBatchDelay = time.Second // pause between batches; the only throttling mechanism
)

// Validation errors, reported before any network call.
var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoTargets    = errors.New("no target chats selected")
)

// Sender delivers a single message. *telegram.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, msg telegram.OutgoingMessage) (telegram.Message, error)
}

// Target is a single destination of a broadcast.
type Target struct {
	ID    int64
	Title string
}

// Options control message delivery. The zero value sends plain text with
// notifications on.
type Options struct {
	// ParseMode is "HTML", "Markdown" or empty for plain text.
	ParseMode           string
	DisableNotification bool
	ProtectContent      bool
}

// Progress is a running snapshot of a broadcast, published after every
// completed batch.
type Progress struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Result is the final outcome of a broadcast.
type Result struct {
	Sent        int              `json:"sent"`
	Failed      int              `json:"failed"`
	Total       int              `json:"total"`
	SuccessRate int              `json:"success_rate"` // percent, rounded
	SentIDs     []int64          `json:"sent_ids"`
	FailedIDs   []int64          `json:"failed_ids"`
	Errors      map[int64]string `json:"errors,omitempty"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Config configures an [Engine].
type Config struct {
	Sender Sender
	// Activity, if set, receives per-chat and summary log entries.
	Activity *logstream.Buffer
	// OnProgress, if set, is called with a snapshot after each batch.
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Engine fans a message out to target chats in paced batches.
type Engine struct {
	sender     Sender
	activity   *logstream.Buffer
	onProgress func(Progress)
	slog       *slog.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) bool
}

// New returns an Engine with the given configuration.
func New(cfg Config) *Engine {
	e := &Engine{
		sender:     cfg.Sender,
		activity:   cfg.Activity,
		onProgress: cfg.OnProgress,
		slog:       cfg.Logger,
		now:        time.Now,
		sleep:      sleep,
	}
	if e.activity == nil {
		e.activity = logstream.New(1)
	}
	if e.onProgress == nil {
		e.onProgress = func(Progress) {}
	}
	if e.slog == nil {
		e.slog = slog.Default()
	}
	return e
}

// Broadcast delivers text to every target. It returns a partial result and
// the context error if the context is canceled between batches; any other
// returned error is a validation error reported before the first send.
func (e *Engine) Broadcast(ctx context.Context, text string, targets []Target, opts Options) (*Result, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	res := syncx.Protect(&Result{
		Total:  len(targets),
		Errors: make(map[int64]string),
	})

	e.activity.Infof("Broadcasting to %d chats...", len(targets))

	batches := slices.Collect(slices.Chunk(targets, batchSize))
	for i, batch := range batches {
		var wg sync.WaitGroup
		for _, target := range batch {
			wg.Go(func() { e.sendOne(ctx, text, target, opts, &res) })
		}
		wg.Wait()

		var snapshot Progress
		res.ReadAccess(func(r *Result) {
			snapshot = Progress{Sent: r.Sent, Failed: r.Failed, Total: r.Total}
		})
		e.onProgress(snapshot)
		e.slog.Debug("batch finished",
			"batch", i+1,
			"batches", len(batches),
			"sent", snapshot.Sent,
			"failed", snapshot.Failed,
		)

		if i < len(batches)-1 {
			if !e.sleep(ctx, interBatchDelay) {
				return e.finish(&res), ctx.Err()
			}
		}
	}

	return e.finish(&res), nil
}

func (e *Engine) sendOne(ctx context.Context, text string, target Target, opts Options, res *syncx.Protected[*Result]) {
	_, err := e.sender.SendMessage(ctx, telegram.OutgoingMessage{
		ChatID:              strconv.FormatInt(target.ID, 10),
		Text:                text,
		ParseMode:           opts.ParseMode,
		DisableNotification: opts.DisableNotification,
		ProtectContent:      opts.ProtectContent,
	})
	res.WriteAccess(func(r *Result) {
		if err != nil {
			r.Failed++
			r.FailedIDs = append(r.FailedIDs, target.ID)
			r.Errors[target.ID] = errDescription(err)
			return
		}
		r.Sent++
		r.SentIDs = append(r.SentIDs, target.ID)
	})
	if err != nil {
		e.activity.Errorf("Failed to send to %s: %s", target.Title, errDescription(err))
		return
	}
	e.activity.Successf("Sent to %s", target.Title)
}

// errDescription prefers the remote error description over the transport
// error text.
func errDescription(err error) string {
	var tgErr *telegram.Error
	if errors.As(err, &tgErr) {
		return tgErr.Description
	}
	return err.Error()
}

func (e *Engine) finish(res *syncx.Protected[*Result]) *Result {
	var out *Result
	res.WriteAccess(func(r *Result) {
		r.SuccessRate = int(math.Round(float64(r.Sent) / float64(r.Total) * 100))
		r.FinishedAt = e.now()
		slices.Sort(r.SentIDs)
		slices.Sort(r.FailedIDs)
		out = r
	})
	if out.SuccessRate == 100 {
		e.activity.Successf("Broadcast complete: %d/%d sent (100%%)", out.Sent, out.Total)
	} else {
		e.activity.Warningf("Broadcast complete: %d/%d sent (%d%%), %d failed", out.Sent, out.Total, out.SuccessRate, out.Failed)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
