package logutil

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide structured logger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses and applies a log level name ("debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output (tests use io.Discard).
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// UseJSONFormat switches to JSON log lines for machine collection.
func UseJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// WithField returns an entry with one extra field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns an entry with several extra fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(logrus.Fields(fields))
}

// WithError returns an entry carrying an error field.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// WithDevice tags an entry with the device id it concerns.
func WithDevice(deviceID string) *logrus.Entry {
	return Logger.WithField("device_id", deviceID)
}

// WithSession tags an entry with a websocket session id.
func WithSession(sessionID string) *logrus.Entry {
	return Logger.WithField("session_id", sessionID)
}
