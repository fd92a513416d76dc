// Package logging configures log.DefaultLogger. Components copy the default
// logger when they are constructed, so Setup must run first.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/phuslu/log"
)

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup installs the default logger. With File set, output is JSON to a
// rotated file; otherwise it goes to stderr through the console writer.
// The returned closer releases the file, if any.
func Setup(config *LogConfig) io.Closer {
	logger := log.Logger{
		Level:      log.ParseLevel(config.Level),
		Caller:     1,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	var closer io.Closer = nopCloser{}
	if config.File != "" {
		lj := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		}
		logger.Writer = &log.IOWriter{Writer: lj}
		closer = lj
	} else {
		logger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: log.IsTerminal(os.Stderr.Fd())}
	}
	log.DefaultLogger = logger
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
