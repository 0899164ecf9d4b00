// Package common provides the shared logging infrastructure for the bulk
// blocking tool. It routes error-level output to stderr and everything else
// to stdout so that shell pipelines and log collectors can treat the two
// streams differently, which matters for long unattended runs.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter directs formatted log lines to stderr or stdout based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write routes lines containing an error-level marker to stderr and all
// other lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. Commands configure its level and
// format once at startup; all packages log through it.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})
}

// LoggerConfig controls the global logger setup.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// ConfigureLogger applies the given configuration to the global Logger.
// Unknown levels fall back to info.
func ConfigureLogger(cfg LoggerConfig) {
	switch cfg.Level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
}
