// Package observability provides the process-wide zap logging profiles.
//
// Two profiles exist: "structured" emits production JSON for the daemon and
// anything that ships logs elsewhere, and "cli" emits human-oriented console
// output for interactive commands. Components take a *zap.Logger and never
// reach for a global; CLILogger exists only for command-level user messaging.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileCLI        = "cli"
)

// CLILogger is the console logger used by interactive commands for user
// messaging. It writes to stderr so command output on stdout stays clean
// for piping. Initialized at package load at info level; SetCLILevel
// adjusts it once flags are parsed.
var CLILogger = mustCLILogger(zapcore.InfoLevel)

// NewLogger builds a logger for the given level and profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	case ProfileCLI:
		return mustCLILogger(lvl), nil
	default:
		return nil, fmt.Errorf("unknown logging profile %q (want %s or %s)",
			profile, ProfileStructured, ProfileCLI)
	}
}

// ParseLevel converts a config string to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	raw := strings.ToLower(strings.TrimSpace(level))
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.Set(raw); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	return lvl, nil
}

// SetCLILevel rebuilds CLILogger at the given level. Called by the root
// command after flags are parsed.
func SetCLILevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	CLILogger = mustCLILogger(lvl)
	return nil
}

func mustCLILogger(lvl zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "" // interactive output doesn't need timestamps
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	return zap.New(core)
}

// ExitWithCode logs a final error message and terminates the process with
// the given exit code. For command-level fatal paths only; library code
// returns errors.
func ExitWithCode(log *zap.Logger, code int, msg string, fields ...zap.Field) {
	if log != nil {
		log.Error(msg, append(fields, zap.Int("exit_code", code))...)
		_ = log.Sync()
	}
	os.Exit(code)
}
