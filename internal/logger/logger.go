package logger

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a custom JSON logger. Output is discarded in the test environment.
func NewLogger(env, level string) logrus.FieldLogger {
	logger := logrus.New()
	if env == "test" {
		logger.SetOutput(io.Discard)
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	jsonFormatter := logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyLevel: "level",
		},
	}
	logger.SetFormatter(&jsonFormatter)

	return logger
}

// Discard returns a logger that writes nothing, for tests.
func Discard() logrus.FieldLogger {
	return NewLogger("test", "debug")
}
