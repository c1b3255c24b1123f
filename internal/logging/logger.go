// Package logging builds the process logger and routes the BLE stack's
// own logging through it.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rigado/ble"
	"github.com/sirupsen/logrus"
)

// Options mirrors the log section of the config file.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output string // stderr, stdout or a file path
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from opts. The returned closer releases the log file
// when Output names one.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		lv, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "log level %q", opts.Level)
		}
		level = lv
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return nil, nil, errors.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	switch strings.ToLower(opts.Output) {
	case "", "stderr":
		l.Out = os.Stderr
	case "stdout":
		l.Out = os.Stdout
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open log file")
		}
		l.Out = f
		closer = f
	}
	return l, closer, nil
}

// Component returns an entry tagged with the component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// bleLogger satisfies ble.Logger on top of a logrus entry.
type bleLogger struct {
	*logrus.Entry
}

func (b bleLogger) ChildLogger(tags map[string]interface{}) ble.Logger {
	return bleLogger{b.Entry.WithFields(tags)}
}

// InstallBLE makes the BLE stack log through l. Below debug level only the
// stack's warnings and errors get through.
func InstallBLE(l *logrus.Logger) {
	entry := Component(l, "ble")
	if !l.IsLevelEnabled(logrus.DebugLevel) {
		quiet := logrus.New()
		quiet.Out = l.Out
		quiet.Formatter = l.Formatter
		quiet.SetLevel(logrus.WarnLevel)
		entry = Component(quiet, "ble")
	}
	ble.SetLogger(bleLogger{entry})
}
