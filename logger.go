package cerver

import (
	"github.com/gocerver/cerver/logger"
	"github.com/sirupsen/logrus"
)

// SetLogger replaces the logger used by servers and clients created afterwards.
func SetLogger(l *logrus.Logger) {
	logger.Default = l
}
