// Package logging builds the gateway's structured loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Config controls the root logger
type Config struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// New creates the named root logger writing to stderr
func New(cfg Config) hclog.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput creates the root logger writing to w
func NewWithOutput(cfg Config, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "agentgate",
		Level:      ParseLevel(cfg.Level),
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}

// ParseLevel maps a level name to hclog; unknown names become info
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// IsValidLevel reports whether level names a known hclog level
func IsValidLevel(level string) bool {
	return hclog.LevelFromString(strings.TrimSpace(level)) != hclog.NoLevel
}

// OrNull returns l, or a discarding logger when l is nil
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
