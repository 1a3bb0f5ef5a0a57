package logging

import (
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults applied when a RotateConfig field is zero.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// RotateConfig holds lumberjack rotation settings for log files.
type RotateConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// Writer returns a rotating writer for path.
func (c RotateConfig) Writer(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// WorkerLogPath is the file a worker's diagnostic output goes to inside dir.
func WorkerLogPath(dir, name string) string {
	return filepath.Join(dir, name+".log")
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
