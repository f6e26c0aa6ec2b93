package replay

import (
	"io"
	"time"

	"github.com/fatih/color"
)

const (
	progressInterval = 40 * time.Millisecond
	progressMinStep  = 0.01
)

// Progress prints the share of frames processed as a single rewritten line.
// It writes at most once per interval and only when the share moved.
type Progress struct {
	w        io.Writer
	interval time.Duration
	minStep  float64
	color    *color.Color

	last    time.Time
	lastPct float64
	open    bool
}

func NewProgress(w io.Writer) *Progress {
	return &Progress{
		w:        w,
		interval: progressInterval,
		minStep:  progressMinStep,
		color:    color.New(color.FgCyan),
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func (p *Progress) reset(now time.Time) {
	if p == nil {
		return
	}
	p.last = now
	p.lastPct = 0
	p.open = false
}

func (p *Progress) update(done, total int, now time.Time) {
	if p == nil || now.Sub(p.last) < p.interval {
		return
	}
	if pct := percent(done, total); pct >= p.lastPct+p.minStep {
		p.lastPct = pct
		p.print(pct)
	}
	p.last = now
}

func (p *Progress) finish(done, total int) {
	if p == nil {
		return
	}
	p.print(percent(done, total))
	p.abort()
}

// abort terminates a progress line left open by an interrupted pass.
func (p *Progress) abort() {
	if p == nil || !p.open {
		return
	}
	_, _ = io.WriteString(p.w, "\n")
	p.open = false
}

func (p *Progress) print(pct float64) {
	_, _ = p.color.Fprintf(p.w, "\r[%.2f%%]", pct)
	p.open = true
}
