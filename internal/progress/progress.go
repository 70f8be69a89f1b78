// Package progress reports how far a long replay or benchmark has got.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type SpinnerProgressTracker interface {
	SetMessage(msg string)
	SetDone(n int)
	SetError(err error)
	MarkFinished()
}

type NoopSpinnerProgressTracker struct{}

var _ SpinnerProgressTracker = NoopSpinnerProgressTracker{}

func (n NoopSpinnerProgressTracker) SetMessage(msg string) {}
func (n NoopSpinnerProgressTracker) SetDone(n2 int)        {}
func (n NoopSpinnerProgressTracker) SetError(err error)    {}
func (n NoopSpinnerProgressTracker) MarkFinished()         {}

type BarProgressTracker interface {
	SetMessage(msg string)
	SetTotal(total int64)
	SetDone(n int)
	SetError(err error)
	MarkFinished()
}

type NoopBarProgressTracker struct{}

var _ BarProgressTracker = NoopBarProgressTracker{}

func (n NoopBarProgressTracker) SetMessage(msg string) {}
func (n NoopBarProgressTracker) SetTotal(total int64)  {}
func (n NoopBarProgressTracker) SetDone(n2 int)        {}
func (n NoopBarProgressTracker) SetError(err error)    {}
func (n NoopBarProgressTracker) MarkFinished()         {}

// LogBar writes progress to a logger, at most once per interval.
type LogBar struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	msg   string
	total int64
	done  int
	last  time.Time
	err   error
}

var (
	_ BarProgressTracker     = (*LogBar)(nil)
	_ SpinnerProgressTracker = (*LogBar)(nil)
)

func NewLogBar(log *slog.Logger, interval time.Duration) *LogBar {
	return &LogBar{log: log, interval: interval, now: time.Now}
}

func (b *LogBar) SetMessage(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msg = msg
	b.last = b.now()
	b.log.Info(msg)
}

func (b *LogBar) SetTotal(total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = total
}

func (b *LogBar) SetDone(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = n
	if now := b.now(); now.Sub(b.last) >= b.interval {
		b.last = now
		b.report(slog.LevelInfo)
	}
}

func (b *LogBar) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
	b.log.Error(b.msg, "done", b.done, "total", b.total, "err", err)
}

func (b *LogBar) MarkFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.report(slog.LevelInfo)
	}
}

func (b *LogBar) report(level slog.Level) {
	if b.total > 0 {
		b.log.Log(context.Background(), level, b.msg, "done", b.done, "total", b.total, "percent", 100*int64(b.done)/b.total)
		return
	}
	b.log.Log(context.Background(), level, b.msg, "done", b.done)
}
