// Package extract turns the bus-message events of a log into canonical records.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/canreplay/pkg/buslog"
	"github.com/BIwashi/canreplay/pkg/record"
)

var ErrInvalidWindow = errors.New("invalid extraction window")

const (
	progressEvery  = 100_000
	classicDataLen = 8
)

// Window selects objects by their position in the log, as percentages of the object count.
type Window struct {
	Start float64
	End   float64
}

// FullWindow selects every object.
var FullWindow = Window{Start: 0, End: 100}

func (w Window) Validate() error {
	if w.Start < 0 || w.End > 100 || w.Start > w.End {
		return errors.Wrapf(ErrInvalidWindow, "[%g, %g]", w.Start, w.End)
	}
	return nil
}

// Normalize turns any window into a valid one. Bounds are clamped to
// [0, 100]; a start past the end falls back to FullWindow. Each adjustment
// is described in the returned notes.
func (w Window) Normalize() (Window, []string) {
	var notes []string
	if w.Start < 0 || w.Start > 100 {
		c := min(max(w.Start, 0), 100)
		notes = append(notes, fmt.Sprintf("start %g%% clamped to %g%%", w.Start, c))
		w.Start = c
	}
	if w.End < 0 || w.End > 100 {
		c := min(max(w.End, 0), 100)
		notes = append(notes, fmt.Sprintf("end %g%% clamped to %g%%", w.End, c))
		w.End = c
	}
	if w.Start > w.End {
		notes = append(notes, fmt.Sprintf("start %g%% is past end %g%%, using the whole log", w.Start, w.End))
		w = FullWindow
	}
	return w, notes
}

// position returns the percentage of the i-th (one-based) object out of n.
func position(i, n uint64) float64 {
	return float64(i) * 100 / float64(n)
}

// Options configures a Run.
type Options struct {
	// Channel is zero-based; logs number their channels from one.
	Channel uint16
	Window  Window
	// Progress receives a rewritten "\r[xx.xx%]" line while scanning, when set.
	Progress io.Writer
}

// Stats describes a finished Run.
type Stats struct {
	Objects     uint64
	Scanned     uint64
	Matched     int
	Regressions int
	// FDRows counts matched records whose payload exceeds a classic 8-byte frame.
	FDRows  int
	Elapsed time.Duration
}

// DecodeTimestamp converts an event offset into seconds since the Unix epoch.
// unit selects milliseconds when it equals buslog.TimeUnitMillis and nanoseconds otherwise.
func DecodeTimestamp(start time.Time, offset uint64, unit uint32) float64 {
	var d time.Duration
	if unit == buslog.TimeUnitMillis {
		d = time.Duration(offset) * time.Millisecond
	} else {
		d = time.Duration(offset)
	}
	ts := start.Add(d)
	return float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
}

// Run scans src in log order and returns the records of the configured channel
// whose object position falls inside the window. The scan stops at the first
// object past the window's end.
func Run(ctx context.Context, src buslog.Source, opts Options, logger *slog.Logger) (*record.Table, Stats, error) {
	if err := opts.Window.Validate(); err != nil {
		return nil, Stats{}, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	began := time.Now()
	hdr := src.Header()
	channel := opts.Channel + 1
	stats := Stats{Objects: hdr.ObjectCount}
	b := record.NewBuilder()
	var last float64

	logger.Info("Filtering log",
		"objects", hdr.ObjectCount,
		"channel", opts.Channel,
		"start_percentage", opts.Window.Start,
		"end_percentage", opts.Window.End,
		"measurement_start", hdr.Start,
	)

	for i := uint64(1); ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, errors.Wrap(err, "extraction cancelled")
		}

		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, errors.Wrapf(err, "read object %d", i)
		}

		pos := position(i, hdr.ObjectCount)
		if pos < opts.Window.Start {
			continue
		}
		if pos > opts.Window.End {
			break
		}
		stats.Scanned++
		last = pos
		if stats.Scanned%progressEvery == 0 {
			logger.Debug("Progress",
				"scanned", stats.Scanned,
				"matched", b.Len(),
				"position", pos,
			)
			printProgress(opts.Progress, pos)
		}

		if !ev.Kind.IsBusMessage() || ev.Channel != channel {
			continue
		}
		rec := record.Record{
			Timestamp: DecodeTimestamp(hdr.Start, ev.Timestamp, ev.TimeUnit),
			ID:        ev.ID & record.IDMask,
			Data:      ev.Data,
		}
		if err := b.Append(rec); err != nil {
			return nil, stats, errors.Wrapf(err, "object %d", i)
		}
		if len(rec.Data) > classicDataLen {
			stats.FDRows++
		}
	}
	if opts.Progress != nil {
		printProgress(opts.Progress, last)
		_, _ = io.WriteString(opts.Progress, "\n")
	}

	stats.Matched = b.Len()
	stats.Regressions = b.Regressions()
	stats.Elapsed = time.Since(began)
	if stats.Regressions > 0 {
		logger.Warn("Timestamps went backwards", "count", stats.Regressions)
	}
	return b.Build(), stats, nil
}

func printProgress(w io.Writer, pos float64) {
	if w != nil {
		_, _ = fmt.Fprintf(w, "\r[%.2f%%]", pos)
	}
}
