// Package idle classifies a worker's raw terminal output into a lifecycle
// signal. Classification is a pure function of the text: it never reads from
// a worker and never remembers previous calls. Comparing one snapshot with
// the last one (the Unchanged signal) is the poller's job.
package idle

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Signal is the classifier's verdict about a worker.
type Signal string

// Signal constants. Classify only ever returns Busy, Idle or Error;
// Unchanged is reported by the poller when two snapshots are identical.
const (
	Busy      Signal = "busy"
	Idle      Signal = "idle"
	Error     Signal = "error"
	Unchanged Signal = "unchanged"
)

// Default window sizes, in lines, counted from the bottom of the output.
const (
	DefaultPromptWindow  = 20
	DefaultKeywordWindow = 5
)

// DefaultPromptMarkers are the input prompts interactive agent CLIs render
// when they hand control back. "❯" is Claude Code's Ink prompt.
var DefaultPromptMarkers = []string{"❯", ">"} //nolint:gochecknoglobals // default table

// DefaultCompletionMarkers and DefaultErrorMarkers are matched as substrings
// in the last few lines.
var (
	DefaultCompletionMarkers = []string{"[DONE]", "TASK COMPLETE"}    //nolint:gochecknoglobals // default table
	DefaultErrorMarkers      = []string{"[ERROR]", "FATAL:", "panic:"} //nolint:gochecknoglobals // default table
)

// Classifier holds the tunable markers and windows. The zero value is not
// useful; start from Default() and override fields.
type Classifier struct {
	PromptMarkers     []string
	CompletionMarkers []string
	ErrorMarkers      []string
	PromptWindow      int
	KeywordWindow     int
}

// Default returns a Classifier tuned for Claude Code style prompts.
func Default() Classifier {
	return Classifier{
		PromptMarkers:     append([]string(nil), DefaultPromptMarkers...),
		CompletionMarkers: append([]string(nil), DefaultCompletionMarkers...),
		ErrorMarkers:      append([]string(nil), DefaultErrorMarkers...),
		PromptWindow:      DefaultPromptWindow,
		KeywordWindow:     DefaultKeywordWindow,
	}
}

// Classify inspects raw output and returns Idle, Error or Busy.
//
// An idle prompt alone on one of the last PromptWindow lines wins outright.
// Otherwise the last KeywordWindow lines are scanned bottom-up and the
// lowest line carrying a completion or error marker decides.
func (c Classifier) Classify(raw string) Signal {
	lines := Lines(raw)
	if len(lines) == 0 {
		return Busy
	}

	for _, line := range Tail(lines, c.promptWindow()) {
		if c.isPromptLine(line) {
			return Idle
		}
	}

	keywords := Tail(lines, c.keywordWindow())
	for i := len(keywords) - 1; i >= 0; i-- {
		line := keywords[i]
		if containsAny(line, c.ErrorMarkers) {
			return Error
		}
		if containsAny(line, c.CompletionMarkers) {
			return Idle
		}
	}
	return Busy
}

func (c Classifier) isPromptLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, marker := range c.PromptMarkers {
		if marker != "" && trimmed == marker {
			return true
		}
	}
	return false
}

func (c Classifier) promptWindow() int {
	if c.PromptWindow <= 0 {
		return DefaultPromptWindow
	}
	return c.PromptWindow
}

func (c Classifier) keywordWindow() int {
	if c.KeywordWindow <= 0 {
		return DefaultKeywordWindow
	}
	return c.KeywordWindow
}

// Lines strips terminal escape sequences, normalises line endings and drops
// trailing blank lines. Terminal captures usually pad the screen with empty
// rows below the cursor; those carry no signal.
func Lines(raw string) []string {
	if raw == "" {
		return nil
	}
	text := ansi.Strip(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}

// Tail returns the last n elements of lines (all of them when n exceeds the
// length).
func Tail(lines []string, n int) []string {
	if n <= 0 || n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}
