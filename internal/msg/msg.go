// Package msg prints leveled, colored messages for the command line.
package msg

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	// Output receives every message. Tests swap it for a buffer.
	Output io.Writer = color.Output

	// Verbose enables Debug messages.
	Verbose bool

	exit = os.Exit
)

func logf(level string, format string, a ...any) {
	fmt.Fprintf(Output, "%s: %s\n", level, fmt.Sprintf(format, a...))
}

func Debug(format string, a ...any) {
	if !Verbose {
		return
	}
	logf(color.HiBlackString("debug"), format, a...)
}

func Info(format string, a ...any) {
	logf(color.HiGreenString("info"), format, a...)
}

func Warn(format string, a ...any) {
	logf(color.YellowString("warn"), format, a...)
}

func Error(format string, a ...any) {
	logf(color.HiRedString("error"), format, a...)
}

// Fatal prints the message and exits with status 1.
func Fatal(format string, a ...any) {
	logf(color.RedString("fatal"), format, a...)
	exit(1)
}

// Step prints a right-aligned action verb followed by a subject, e.g. "  Compiling src/main.cpp".
func Step(verb, format string, a ...any) {
	fmt.Fprintf(Output, "%12s %s\n", color.HiGreenString(verb), fmt.Sprintf(format, a...))
}

// IndentWriter prefixes every line written through it with Indent.
type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
	buf       bytes.Buffer
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	w.buf.Reset()
	for _, c := range p {
		if !w.didIndent {
			w.buf.WriteString(w.Indent)
			w.didIndent = true
		}
		w.buf.WriteByte(c)
		if c == '\n' || c == '\r' {
			w.didIndent = false
		}
	}
	if _, err := w.W.Write(w.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}
