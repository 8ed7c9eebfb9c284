// Package logging configures the process-wide logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

const timeFormat = "2006-01-02 15:04:05"

// Init configures logrus output, formatting and level.
func Init(level string) {
	formatter := &logrus.TextFormatter{
		TimestampFormat: timeFormat,
		FullTimestamp:   true,
	}
	logrus.SetFormatter(formatter)
	logrus.SetOutput(os.Stdout)
	switch level {
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// Component returns a logger entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
