// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the small set of colorized console helpers the
// prime-replica CLI uses for operator-facing output: headers, labels,
// status lines. Color is auto-disabled on non-terminals and honors
// NO_COLOR / --no-color.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

var (
	Green  = color.New(color.FgGreen)
	Yellow = color.New(color.FgYellow)
	Red    = color.New(color.FgRed, color.Bold)
	Cyan   = color.New(color.FgCyan)
	Dim    = color.New(color.FgHiBlack)
)

// Disable turns every color off, leaving plain text. Called once at
// startup when --no-color, NO_COLOR, or a non-terminal stdout is
// detected.
func Disable() {
	color.NoColor = true
}

// IsTerminal reports whether fd is attached to a terminal, used to
// decide whether colorized/progress output is appropriate.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Init applies the --no-color flag and terminal auto-detection; call
// once from main before any other ui function.
func Init(noColor bool) {
	if noColor || !IsTerminal(os.Stdout.Fd()) {
		Disable()
	}
}

// Header prints a bold cyan section title, underlined with a rule as
// long as the title, capped at 72 columns and at the terminal width
// when that can be determined.
func Header(title string) {
	_, _ = Cyan.Add(color.Bold).Println(title)
	width := 72
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < width {
		width = w
	}
	if n := len(title); n < width {
		width = n
	}
	Dim.Println(repeatRune('-', width))
}

func repeatRune(r rune, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return string(out)
}

// SubHeader prints a dimmer subsection title.
func SubHeader(title string) {
	_, _ = Dim.Println(title)
}

// Label returns s styled as a field label, right-padded by the caller.
func Label(s string) string {
	return Dim.Sprint(s)
}

// DimText returns s in the dim color, for secondary detail.
func DimText(s string) string {
	return Dim.Sprint(s)
}

// CountText formats an integer count, styled green when nonzero and
// dim when zero.
func CountText(n int) string {
	if n == 0 {
		return Dim.Sprint("0")
	}
	return Green.Sprintf("%d", n)
}

// Info prints an informational line prefixed with a cyan arrow.
func Info(msg string) {
	_, _ = Cyan.Print("-> ")
	fmt.Println(msg)
}

// Infof is Info with formatting.
func Infof(format string, a ...any) {
	Info(fmt.Sprintf(format, a...))
}

// Success prints a green success line.
func Success(msg string) {
	_, _ = Green.Print("OK  ")
	fmt.Println(msg)
}

// Successf is Success with formatting.
func Successf(format string, a ...any) {
	Success(fmt.Sprintf(format, a...))
}

// Warning prints a yellow warning line to stderr.
func Warning(msg string) {
	_, _ = Yellow.Fprint(os.Stderr, "WARN ")
	fmt.Fprintln(os.Stderr, msg)
}

// Warningf is Warning with formatting.
func Warningf(format string, a ...any) {
	Warning(fmt.Sprintf(format, a...))
}

// Errorf prints a bold red error line to stderr.
func Errorf(format string, a ...any) {
	_, _ = Red.Fprint(os.Stderr, "ERR  ")
	fmt.Fprintf(os.Stderr, format+"\n", a...)
}
