// Package logging wires the conductor's structured logging the way the
// teacher's core package did directly with logrus, but centralised so every
// component shares one configured logger instance instead of calling
// logrus's package-level default.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level ("debug", "info", "warn",
// "error"). An empty level defaults to "info". Unknown levels fall back to
// "info" as well, matching the conductor's config{logger{kind,rules}} being
// best-effort (CLI/config parsing polish is a non-goal; the logger itself
// is not).
func New(level string, out io.Writer) *logrus.Logger {
	lg := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	lg.SetOutput(out)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lg.SetLevel(lvl)
	return lg
}
