// Package testutils holds assertion helpers for rendered terminal output.
package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// TestingT is the subset of *testing.T the asserter reports through
type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// TextAssertOptions controls how rendered output is normalized before comparison
type TextAssertOptions struct {
	StripANSI                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"false"`
	EnableColors             bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

// WithStripANSI sets whether escape sequences are removed before comparing
func WithStripANSI(strip bool) TextOption {
	return func(o *TextAssertOptions) { o.StripANSI = strip }
}

// WithIgnoreTrailingWhitespace sets whether trailing blanks on a line are ignored
func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = ignore }
}

// WithEnableColors colors diff hunks and makes whitespace visible in changed lines
func WithEnableColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = enable }
}

// TextAsserter compares terminal output line by line and reports a unified
// diff on mismatch.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	var options TextAssertOptions
	defaults.SetDefaults(&options)
	for _, opt := range opts {
		opt(&options)
	}
	return &TextAsserter{t: t, options: options}
}

func (ta *TextAsserter) Options() TextAssertOptions {
	return ta.options
}

// Assert reports a diff through t when actual and expected differ after normalization
func (ta *TextAsserter) Assert(actual, expected string) bool {
	ta.t.Helper()
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertFrames compares the frames of redraw output (see Frames) with expected
func (ta *TextAsserter) AssertFrames(output string, expected ...string) bool {
	ta.t.Helper()
	return ta.Assert(strings.Join(Frames(output), "\n"), strings.Join(expected, "\n"))
}

// Diff returns a unified diff of the normalized texts, or "" when they match
func (ta *TextAsserter) Diff(actual, expected string) string {
	want, got := ta.Normalize(expected), ta.Normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	diff := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if !ta.options.EnableColors {
		return diff
	}
	return colorize(diff)
}

// Normalize applies the configured transformations
func (ta *TextAsserter) Normalize(text string) string {
	if ta.options.StripANSI {
		text = StripANSI(text)
	}
	if !ta.options.IgnoreTrailingWhitespace {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

var diffColors = []struct {
	prefix     string
	attr       color.Attribute
	whitespace bool
}{
	{"---", color.FgYellow, false},
	{"+++", color.FgYellow, false},
	{"@@", color.FgCyan, false},
	{"-", color.FgRed, true},
	{"+", color.FgGreen, true},
}

func colorize(diff string) string {
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		for _, dc := range diffColors {
			if !strings.HasPrefix(line, dc.prefix) {
				continue
			}
			if dc.whitespace {
				line = strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
			}
			c := color.New(dc.attr)
			c.EnableColor()
			lines[i] = c.Sprint(line)
			break
		}
	}
	return strings.Join(lines, "\n")
}

// StripANSI removes terminal escape sequences
func StripANSI(text string) string {
	return ansiSequence.ReplaceAllString(text, "")
}

// Frames splits in-place redraw output into the frames a terminal would have
// shown, in order. A carriage return starts a new frame on the same line.
func Frames(output string) []string {
	var frames []string
	for _, line := range strings.Split(StripANSI(output), "\n") {
		for _, frame := range strings.Split(line, "\r") {
			if frame != "" {
				frames = append(frames, frame)
			}
		}
	}
	return frames
}

// LastFrame returns the final frame of redraw output, or "" if there is none
func LastFrame(output string) string {
	frames := Frames(output)
	if len(frames) == 0 {
		return ""
	}
	return frames[len(frames)-1]
}
