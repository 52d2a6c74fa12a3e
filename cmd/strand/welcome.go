package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[96m"
)

type welcomeBannerOptions struct {
	Version string
	Model   string
	Root    string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	title := "strand"
	if useANSI {
		title = ansiBold + ansiCyan + title + ansiReset
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, center(title, width))
	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center("Version: "+version, width))
	}
	if model := strings.TrimSpace(opts.Model); model != "" {
		fmt.Fprintln(w, center("Model: "+model, width))
	}
	if root := strings.TrimSpace(opts.Root); root != "" {
		fmt.Fprintln(w, center("Workspace: "+root, width))
	}
	fmt.Fprintln(w, center("Type /help for commands, ! for shell, @file to attach.", width))
	fmt.Fprintln(w)
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func center(s string, width int) string {
	// ANSI escapes don't take cells; strip them for the width math.
	visible := len(stripANSI(s))
	if visible >= width {
		return s
	}
	pad := (width - visible) / 2
	return strings.Repeat(" ", pad) + s
}

func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\033':
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
