// Package logging configures the zerolog logger shared by the runtime binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger returns a console logger writing to stderr at the given level, and installs it as
// the global logger used by library packages.
func NewLogger(level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stderr, level, false)
}

// NewLoggerFromString is NewLogger with a level name such as "debug" or "warn". An empty name
// means info.
func NewLoggerFromString(level string) (zerolog.Logger, error) {
	if level == "" {
		return NewLogger(zerolog.InfoLevel), nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return NewLogger(parsed), nil
}

func newLogger(out io.Writer, level zerolog.Level, noColor bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("[%-5s]", i))
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s:", i)
		},
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
