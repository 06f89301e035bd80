// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/config"
)

// New returns a logger writing JSON to stdout, or text in debug mode.
// Unknown levels fall back to info.
func New(cfg *config.Config) *logrus.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination
func NewWithWriter(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Debug {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// Component returns an entry tagged with the subsystem name
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"service": "attestd", "component": name})
}
