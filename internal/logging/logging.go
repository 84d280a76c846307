// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "VERSIONBRIDGE_LOG_LEVEL"

func init() {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		return pkgerrors.MarshalStack(err)
	}
}

// Setup installs the global logger writing to out. format is "console",
// "json" or "auto", which picks console output for terminals.
func Setup(level, format string, out io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	log.Logger = New(format, out).Level(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// New builds a logger without installing it.
func New(format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if useConsole(format, out) {
		return zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.StampMilli,
		}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func useConsole(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// ParseLevel resolves the effective level, honouring EnvLevel.
func ParseLevel(level string) (zerolog.Level, error) {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}

// SetLevel changes the global level at runtime.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// InfoWarn logs at warn when err is set and at info otherwise.
func InfoWarn(l *zerolog.Logger, err error) *zerolog.Event {
	if err != nil {
		return l.Warn().Err(err)
	}
	return l.Info()
}

// DebugWarn logs at warn when err is set and at debug otherwise.
func DebugWarn(l *zerolog.Logger, err error) *zerolog.Event {
	if err != nil {
		return l.Warn().Err(err)
	}
	return l.Debug()
}
