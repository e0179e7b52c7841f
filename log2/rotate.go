package log2

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type RotateConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	// also write to stderr
	Tee bool
}

// NewRotate writes into size-rotated file. Empty Path means stderr only.
func NewRotate(c RotateConfig, level Level) *Log {
	if c.Path == "" {
		return NewStderr(level)
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	var w io.Writer = &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	}
	if c.Tee {
		w = io.MultiWriter(os.Stderr, w)
	}
	return NewWriter(w, level)
}
