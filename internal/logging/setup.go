package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogFormat selects the logrus formatter. The zero value means text.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

func (f *LogFormat) UnmarshalText(text []byte) error {
	switch v := LogFormat(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case "":
		*f = FormatText
	case FormatText, FormatJSON:
		*f = v
	default:
		return fmt.Errorf("unknown log format %q (want %s or %s)", text, FormatText, FormatJSON)
	}
	return nil
}

func (f LogFormat) formatter() logrus.Formatter {
	if f == FormatJSON {
		return &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "_msg"},
		}
	}
	return &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}
}

// NewLogger applies format and level to the standard logrus logger, so
// libraries logging through logrus share the payroll format, and returns it.
// An unparsable level falls back to info.
func NewLogger(format LogFormat, level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetFormatter(format.formatter())
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	if err != nil && level != "" {
		logger.WithField("level", level).Warn("unknown log level, using info")
	}
	return logger
}
