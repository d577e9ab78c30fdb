// Package logging builds the component loggers used by the sync engine.
//
// Log lines go to a size-rotated file under the config directory. With
// debug enabled they are also mirrored to stderr.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	Path       string // log file; empty disables file logging
	MaxSizeMB  int
	MaxBackups int
	Debug      bool
	Stderr     io.Writer // defaults to os.Stderr
}

// Sink is the shared log destination. Component loggers created from the
// same Sink write to the same rotated file.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New creates the sink described by opts.
func New(opts Options) *Sink {
	var writers []io.Writer
	var file *lumberjack.Logger
	if opts.Path != "" {
		file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 5),
			MaxBackups: orDefault(opts.MaxBackups, 3),
		}
		writers = append(writers, file)
	}
	if opts.Debug {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	return &Sink{out: out, file: file}
}

// Logger returns a logger whose lines are prefixed with [component].
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
