// Package common provides the shared logging and error infrastructure for
// Clarinet services. The logging system is built on logrus with intelligent
// output routing: error-level messages are directed to stderr while all other
// levels go to stdout, so container orchestrators and shell scripts can treat
// the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity. It operates on the final formatted output, so it works with
// both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" go to stderr,
// everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for Clarinet. All packages log through
// it to keep formatting and routing uniform.
//
// Example:
//
//	common.Logger.WithFields(logrus.Fields{
//	    "study_uid":  study,
//	    "series_uid": series,
//	}).Info("series cached")
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
