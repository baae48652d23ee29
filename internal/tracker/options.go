package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowtrack/internal/store"
)

const (
	// DefaultFlushInterval is the period between background flushes.
	DefaultFlushInterval = 5 * time.Second
	// DefaultFlushTimeout bounds a single background flush.
	DefaultFlushTimeout = 10 * time.Second
	// DefaultMaxIntermediateResultsSize caps the JSON-encoded size of all
	// retained step outputs combined.
	DefaultMaxIntermediateResultsSize = 100 * 1024
)

// Clock returns the current time.
type Clock func() time.Time

// Dispatcher runs background work with bounded concurrency. Submit may block
// until capacity is available and must not run fn on the caller's goroutine
// after returning an error. engine.WorkerPool satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

// Options configures a Tracker. The zero value is usable: defaults apply
// and persistence is disabled when Store is nil.
type Options struct {
	// FlushInterval between background flushes. Zero means
	// DefaultFlushInterval; negative disables the background flush.
	FlushInterval time.Duration
	// FlushTimeout bounds each background write. Zero means DefaultFlushTimeout.
	FlushTimeout time.Duration
	// DisableIntermediateResults stops step outputs from being retained.
	DisableIntermediateResults bool
	// MaxIntermediateResultsSize in bytes. Zero means the default;
	// negative disables the cap.
	MaxIntermediateResultsSize int

	Store       store.Updater
	Dispatcher  Dispatcher
	Logger      *slog.Logger
	Clock       Clock
	Subscribers []Subscriber
}

func (o Options) withDefaults() Options {
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.MaxIntermediateResultsSize == 0 {
		o.MaxIntermediateResultsSize = DefaultMaxIntermediateResultsSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
