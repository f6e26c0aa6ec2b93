// Package replay plays recorded frames back onto a bus with their original timing.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"

	"github.com/BIwashi/canreplay/pkg/can"
	"github.com/BIwashi/canreplay/pkg/record"
)

// Transmitter submits one frame to the bus.
type Transmitter interface {
	Transmit(ctx context.Context, f ecan.Frame) error
}

// Clock is the time source of a Scheduler. Sleep blocks the calling goroutine.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Pacing selects how the wait before each frame is computed.
type Pacing int

const (
	// PacingCompensate waits for the recorded gap minus the previous iteration's overhead.
	PacingCompensate Pacing = iota
	// PacingDeadline waits until the frame's offset from the start of the pass.
	PacingDeadline
)

func (p Pacing) String() string {
	if p == PacingDeadline {
		return "deadline"
	}
	return "compensate"
}

func ParsePacing(s string) (Pacing, error) {
	switch strings.ToLower(s) {
	case "", "compensate":
		return PacingCompensate, nil
	case "deadline":
		return PacingDeadline, nil
	default:
		return PacingCompensate, errors.Newf("unknown pacing %q", s)
	}
}

// TransmitError aborts a replay: the bus refused a frame.
type TransmitError struct {
	Index int
	Frame ecan.Frame
	Err   error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("unable to send frame %d (%s): %v", e.Index, can.FormatFrame(e.Frame), e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// FrameError reports a record that cannot be turned into a frame.
type FrameError struct {
	Index  int
	Record record.Record
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid frame %d (id 0x%X, %d bytes): %v", e.Index, e.Record.ID, len(e.Record.Data), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// PassStats describes one pass over the records.
type PassStats struct {
	Sent    int
	Invalid int
	Elapsed time.Duration
}

// Gap returns how long to wait between two frames recorded at prev and curr
// (seconds) when the previous iteration took overhead. The result is whole
// microseconds and never negative.
func Gap(prev, curr float64, overhead time.Duration) time.Duration {
	ns := math.Round(math.Max(0, curr-prev)*1e9) - float64(overhead.Nanoseconds())
	if ns <= 0 {
		return 0
	}
	return time.Duration(ns/1e3) * time.Microsecond
}

// Scheduler replays records on a single goroutine.
type Scheduler struct {
	tx          Transmitter
	clock       Clock
	progress    *Progress
	pacing      Pacing
	skipInvalid bool
	logger      *slog.Logger
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithProgress(p *Progress) Option { return func(s *Scheduler) { s.progress = p } }

func WithPacing(p Pacing) Option { return func(s *Scheduler) { s.pacing = p } }

// WithSkipInvalid makes invalid frames count and continue instead of aborting the pass.
func WithSkipInvalid(skip bool) Option { return func(s *Scheduler) { s.skipInvalid = skip } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func New(tx Transmitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		tx:     tx,
		clock:  systemClock{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Play sends records once, in order. A transmission error stops the pass
// immediately; so does an invalid frame unless skipping is enabled.
func (s *Scheduler) Play(ctx context.Context, records []record.Record) (PassStats, error) {
	var (
		stats    PassStats
		prev     float64
		overhead time.Duration
		target   time.Duration
		began    = s.clock.Now()
	)
	s.progress.reset(began)

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = s.clock.Now().Sub(began)
			s.progress.abort()
			return stats, errors.Wrap(err, "replay interrupted")
		}

		if i > 0 {
			switch s.pacing {
			case PacingDeadline:
				target = max(target, offset(records[0].Timestamp, r.Timestamp))
				s.clock.Sleep(max(0, target-s.clock.Now().Sub(began)).Truncate(time.Microsecond))
			default:
				s.clock.Sleep(Gap(prev, r.Timestamp, overhead))
			}
		}

		start := s.clock.Now()
		prev = r.Timestamp

		frame, err := can.NewFrame(r.ID, r.Data)
		if err != nil {
			ferr := &FrameError{Index: i, Record: r, Err: err}
			if !s.skipInvalid {
				stats.Elapsed = s.clock.Now().Sub(began)
				s.progress.abort()
				return stats, ferr
			}
			stats.Invalid++
			s.logger.Warn("Skipping invalid frame", "error", ferr)
		} else {
			if err := s.tx.Transmit(ctx, frame); err != nil {
				stats.Elapsed = s.clock.Now().Sub(began)
				s.progress.abort()
				return stats, &TransmitError{Index: i, Frame: frame, Err: err}
			}
			stats.Sent++
		}

		s.progress.update(i+1, len(records), s.clock.Now())
		overhead = s.clock.Now().Sub(start)
	}

	s.progress.finish(len(records), len(records))
	stats.Elapsed = s.clock.Now().Sub(began)
	return stats, nil
}

// Run plays records once, or repeatedly when loop is set, until a pass fails
// or ctx is done. Transmission errors always end the loop.
func (s *Scheduler) Run(ctx context.Context, records []record.Record, loop bool) error {
	if loop && len(records) == 0 {
		s.logger.Warn("Nothing to replay, not looping")
		loop = false
	}
	for pass := 1; ; pass++ {
		stats, err := s.Play(ctx, records)
		s.logger.Info("Pass finished",
			"pass", pass,
			"sent", stats.Sent,
			"invalid", stats.Invalid,
			"duration", stats.Elapsed,
		)
		if err != nil {
			return err
		}
		if !loop {
			return nil
		}
		s.logger.Info("Restarting...")
	}
}

func offset(first, ts float64) time.Duration {
	return time.Duration(math.Round(math.Max(0, ts-first) * 1e9))
}
