// Package logging builds the zerolog logger shared by the daemon and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const filePerm = 0664

// Options selects where and how much to log. Path wins over Writer; with
// neither set logs go to stderr.
type Options struct {
	Level  string
	Path   string
	Writer io.Writer
	Pretty bool
}

// Log is a logger plus the file it may own.
type Log struct {
	zerolog.Logger
	file *os.File
}

// New builds a timestamped logger.
func New(opts Options) (*Log, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}

	out := &Log{}
	var w io.Writer = os.Stderr
	if opts.Writer != nil {
		w = opts.Writer
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out.file = f
		w = zerolog.SyncWriter(f)
	}
	if opts.Pretty && out.file == nil {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	out.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return out, nil
}

// Close releases the log file, if any.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
