// Package logging builds the process logger and the error reporting chain.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing to w. Format "auto" selects text output on a
// terminal and JSON otherwise.
func New(w io.Writer, level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(format) {
	case FormatText:
		formatter = log.TextFormatter
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatAuto, "":
		formatter = log.JSONFormatter
		if isTerminal(w) {
			formatter = log.TextFormatter
		}
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
