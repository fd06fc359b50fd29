// Package logging builds the process-wide hclog logger.
package logging

import (
	"io"
	"os"

	"github.com/dyluth/factcask/internal/config"
	"github.com/hashicorp/go-hclog"
)

// LevelEnv overrides the configured log level when set to a valid level.
const LevelEnv = "FACTCASK_LOG"

// New creates the root logger writing to w. Components derive their own with Named.
func New(cfg config.LogConfig, w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if env := hclog.LevelFromString(os.Getenv(LevelEnv)); env != hclog.NoLevel {
		level = env
	}
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:               "factcask",
		Level:              level,
		Output:             w,
		JSONFormat:         cfg.JSON,
		JSONEscapeDisabled: true,
	})
}
