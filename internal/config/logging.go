package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logging section. The returned closer releases
// the log file when output is a path.
func (c LoggingConfig) NewLogger() (*logrus.Logger, io.Closer, error) {
	l := logrus.New()

	name := strings.TrimSpace(c.Level)
	if name == "" {
		name = "info"
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}
	l.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("logging.format %q is not text or json", c.Format)
	}

	var closer io.Closer = nopCloser{}
	switch out := strings.TrimSpace(c.Output); out {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging.output: %w", err)
		}
		l.SetOutput(f)
		closer = f
	}
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
