package cliutil

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewTable returns a table writer rendering to out. Terminals get rounded
// borders and a bold header; pipes get plain ASCII so output stays greppable.
func NewTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	if IsTerminal(out) {
		t.SetStyle(table.StyleRounded)
		t.Style().Color.Header = text.Colors{text.Bold}
	} else {
		t.SetStyle(table.StyleDefault)
	}
	return t
}

// NoResults prints a placeholder line for empty listings.
func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, msg)
}

// Summary prints a count line using the singular or plural noun.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "%d %s\n", n, noun)
}

// HintCommand prints a follow-up command suggestion.
func HintCommand(w io.Writer, desc, cmd string) {
	_, _ = fmt.Fprintf(w, "%s: %s\n", desc, cmd)
}
