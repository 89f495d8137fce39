package main

import (
	"fmt"
	"io"
	"sync"

	bubblesprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"

	"github.com/hazyhaar/interp/progress"
)

// termBar renders progress states on a single terminal line.
type termBar struct {
	mu     sync.Mutex
	w      io.Writer
	bar    bubblesprogress.Model
	frames []string
	tick   int
}

func newTermBar(w io.Writer) *termBar {
	return &termBar{
		w: w,
		bar: bubblesprogress.New(
			bubblesprogress.WithDefaultGradient(),
			bubblesprogress.WithWidth(40),
		),
		frames: spinner.Line.Frames,
	}
}

// Render implements progress.Sink.
func (b *termBar) Render(s progress.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.w, "\r%s\x1b[K", b.line(s))
}

func (b *termBar) line(s progress.State) string {
	if !s.Active {
		return s.Label
	}
	if !s.Determinate {
		f := b.frames[b.tick%len(b.frames)]
		b.tick++
		return f + " " + s.Label
	}
	return b.bar.ViewAs(float64(s.Percent)/100) + " " + s.Label
}

// Done ends the progress line.
func (b *termBar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintln(b.w)
}
