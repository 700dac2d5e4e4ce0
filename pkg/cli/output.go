package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// printer writes status lines, colored when w is a terminal.
type printer struct {
	w        io.Writer
	colorize bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, colorize: isTerminal(w)}
}

func (p *printer) line(color, symbol, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if p.colorize {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, symbol, colorReset, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", symbol, msg)
}

func (p *printer) Success(format string, args ...interface{}) {
	p.line(colorGreen, "✓", format, args...)
}

func (p *printer) Error(format string, args ...interface{}) {
	p.line(colorRed, "✗", format, args...)
}

func (p *printer) Warning(format string, args ...interface{}) {
	p.line(colorYellow, "⚠", format, args...)
}

func (p *printer) Info(format string, args ...interface{}) {
	p.line(colorBlue, "ℹ", format, args...)
}

// Heading prints a bold line.
func (p *printer) Heading(text string) {
	if p.colorize {
		fmt.Fprintf(p.w, "%s%s%s\n", colorBold, text, colorReset)
		return
	}
	fmt.Fprintln(p.w, text)
}

// spinner animates while a blocking step runs. It only draws on terminals.
type spinner struct {
	frames []string
	prefix string
	w      io.Writer

	mu     sync.Mutex
	active bool
	done   chan struct{}
}

func newSpinner(w io.Writer, prefix string) *spinner {
	return &spinner{
		frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix: prefix,
		w:      w,
		done:   make(chan struct{}),
	}
}

func (s *spinner) Start() {
	if !isTerminal(s.w) {
		return
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(s.frames) {
			select {
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%s%s%s %s", colorCyan, s.frames[i], colorReset, s.prefix)
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

func (s *spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
	fmt.Fprint(s.w, "\r"+strings.Repeat(" ", len(s.prefix)+4)+"\r")
}

// isTerminal reports whether w is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
