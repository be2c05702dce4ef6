// Package logger holds the logrus logger shared by the cerver packages.
package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Default is the logger every cerver component derives its entries from.
var Default *logrus.Logger

func init() {
	Default = logrus.New()
	Default.SetLevel(logrus.InfoLevel)
	Default.SetFormatter(NewTextFormatter())
}

// Scope returns an entry of Default tagged with scope.
func Scope(scope string) *logrus.Entry {
	return Default.WithField("scope", scope)
}

// Mute returns a logger discarding everything, handy in tests.
func Mute() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
