// Package console renders a session on a terminal: a single status line that
// is redrawn in place on a TTY, an ADC sparkline and alerts on their own line.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/samples"
	"github.com/srg/esp32ble/internal/session"
	"golang.org/x/term"
)

const (
	clearLineSequence     = "\r\033[K"
	defaultSparklineWidth = 32
)

// Terminal is a session.View writing to a terminal or any io.Writer.
// Output is colored and redrawn in place only when the writer is a TTY.
type Terminal struct {
	out io.Writer
	tty bool

	title     *color.Color
	lost      *color.Color
	indicator *color.Color
	on        *color.Color
	alert     *color.Color

	sparkWidth int

	mu          sync.Mutex
	state       device.ConnectionState
	indicatorOn bool
	switchOn    bool
	slider      int32
	points      []samples.Sample
	lastFrame   string
	drawn       bool
}

var _ session.View = (*Terminal)(nil)

// Option configures a Terminal
type Option func(*Terminal)

// WithTTY overrides TTY detection
func WithTTY(tty bool) Option {
	return func(t *Terminal) {
		t.tty = tty
	}
}

// WithSparklineWidth sets how many samples the sparkline shows
func WithSparklineWidth(width int) Option {
	return func(t *Terminal) {
		if width > 0 {
			t.sparkWidth = width
		}
	}
}

// NewTerminal creates a view on out. A nil out writes to os.Stdout.
func NewTerminal(out io.Writer, opts ...Option) *Terminal {
	if out == nil {
		out = os.Stdout
	}
	t := &Terminal{
		out:        out,
		tty:        IsTerminal(out),
		sparkWidth: defaultSparklineWidth,
		title:      color.New(color.FgGreen, color.Bold),
		lost:       color.New(color.FgRed, color.Bold),
		indicator:  color.New(color.FgRed),
		on:         color.New(color.FgGreen),
		alert:      color.New(color.FgYellow, color.Bold),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, c := range []*color.Color{t.title, t.lost, t.indicator, t.on, t.alert} {
		if t.tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

// IsTerminal reports whether w is a file attached to a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (t *Terminal) ShowConnection(state device.ConnectionState, indicatorOn bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.indicatorOn = indicatorOn
	t.redraw()
}

func (t *Terminal) ShowSwitch(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.switchOn = on
	t.redraw()
}

func (t *Terminal) ShowSlider(value int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slider = value
	t.redraw()
}

func (t *Terminal) ShowChart(points []samples.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.points = points
	t.redraw()
}

// Alert prints title and message on a line of their own, then redraws the
// status line below it.
func (t *Terminal) Alert(title, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tty && t.drawn {
		fmt.Fprint(t.out, clearLineSequence)
	}
	line := t.alert.Sprint(title)
	if message != "" {
		line += " " + message
	}
	fmt.Fprintln(t.out, line)

	t.lastFrame = ""
	t.drawn = false
	t.redraw()
}

// Finish moves the cursor past the status line
func (t *Terminal) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tty && t.drawn {
		fmt.Fprintln(t.out)
		t.drawn = false
	}
}

// Frame renders the current status line without writing it
func (t *Terminal) Frame() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame()
}

func (t *Terminal) frame() string {
	var b strings.Builder

	switch t.state {
	case device.Connected:
		b.WriteString(t.title.Sprint("ESP32 connected"))
	case device.Connecting:
		b.WriteString("ESP32 connecting...")
	default:
		b.WriteString(t.lost.Sprint("ESP32 disconnected!"))
	}

	if t.indicatorOn {
		b.WriteString(" " + t.indicator.Sprint("●"))
	} else {
		b.WriteString(" ○")
	}

	if t.switchOn {
		b.WriteString(" | switch " + t.on.Sprint("ON "))
	} else {
		b.WriteString(" | switch OFF")
	}

	fmt.Fprintf(&b, " | slider %3d", t.slider)

	if n := len(t.points); n > 0 {
		fmt.Fprintf(&b, " | adc %d %s", t.points[n-1].Value, Sparkline(sampleValues(t.points), t.sparkWidth))
	}
	return b.String()
}

// redraw writes the status line. Non-TTY output gets one line per change.
func (t *Terminal) redraw() {
	frame := t.frame()
	if t.tty {
		fmt.Fprint(t.out, clearLineSequence+frame)
		t.drawn = true
		t.lastFrame = frame
		return
	}
	if frame == t.lastFrame {
		return
	}
	t.lastFrame = frame
	fmt.Fprintln(t.out, frame)
}

func sampleValues(points []samples.Sample) []int32 {
	values := make([]int32, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}
