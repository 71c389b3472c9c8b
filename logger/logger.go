// Package logger is the process-wide logging and metrics surface. It is a
// thin shell over logrus: every subsystem logs through a component-tagged
// Entry, warn and error volumes are tallied per component for the runtime
// report, and Metric fans a measurement out to the log stream and, when
// enabled, to CloudWatch.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is the attribute map attached to log lines.
type Fields = logrus.Fields

var base = logrus.New()

func init() {
	base.SetOutput(os.Stdout)
	base.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	base.SetFormatter(jsonFormat())
	base.AddHook(sourceHook{})
}

// parseLevel maps a configured level string onto logrus. The pseudo-level
// "report" enables the periodic runtime report and logs at info. Unknown or
// empty strings fall back to info rather than failing the process.
func parseLevel(s string) logrus.Level {
	if strings.EqualFold(s, "report") {
		return logrus.InfoLevel
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(s)); err == nil {
		return lvl
	}
	return logrus.InfoLevel
}

func jsonFormat() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "lvl",
			logrus.FieldKeyMsg:   "msg",
		},
	}
}

func consoleFormat() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	}
}

// Configure applies the logging section of the configuration. LOG_LEVEL in
// the environment wins over the configured level so a running deployment
// can be turned up without editing files. File outputs rotate through
// lumberjack; maxAgeDays bounds how long rotated files are kept.
func Configure(level, format, output string, maxAgeDays int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		if !strings.EqualFold(level, "report") {
			lvl, err := logrus.ParseLevel(strings.ToLower(level))
			if err != nil {
				return fmt.Errorf("unknown log level %q", level)
			}
			base.SetLevel(lvl)
		}
	}

	switch format {
	case "", "json":
		base.SetFormatter(jsonFormat())
	case "console", "text":
		base.SetFormatter(consoleFormat())
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	switch output {
	case "", "stdout":
		base.SetOutput(os.Stdout)
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		base.SetOutput(&lumberjack.Logger{
			Filename:   output,
			MaxSize:    64,
			MaxBackups: 10,
			MaxAge:     maxAgeDays,
			Compress:   true,
		})
	}
	return nil
}

// Entry is a component-tagged logging handle. The component name rides on
// every line and keys the per-component issue counters and the CloudWatch
// dimension on metrics.
type Entry struct {
	entry     *logrus.Entry
	component string
}

// Component returns the logging handle for a subsystem.
func Component(name string) *Entry {
	return &Entry{entry: base.WithField("component", name), component: name}
}

// WithFields returns a derived entry carrying extra attributes.
func (e *Entry) WithFields(f Fields) *Entry {
	return &Entry{entry: e.entry.WithFields(f), component: e.component}
}

// WithField returns a derived entry carrying one extra attribute.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{entry: e.entry.WithField(key, value), component: e.component}
}

// WithError returns a derived entry carrying an error attribute.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{entry: e.entry.WithError(err), component: e.component}
}

func (e *Entry) Debug(args ...interface{}) {
	e.entry.Debug(args...)
}

func (e *Entry) Info(args ...interface{}) {
	e.entry.Info(args...)
}

func (e *Entry) Warn(args ...interface{}) {
	countIssue(e.component, false)
	e.entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	countIssue(e.component, true)
	e.entry.Error(args...)
}

// Metric records one measurement: an info line tagged metric=name, plus a
// CloudWatch datum dimensioned by component when publishing is enabled.
// kind is advisory ("counter", "gauge") and only lands in the log line;
// string values in extra become additional CloudWatch dimensions.
func (e *Entry) Metric(name string, value float64, kind string, extra Fields) {
	f := Fields{"metric": name, "value": value}
	if kind != "" {
		f["kind"] = kind
	}
	for k, v := range extra {
		f[k] = v
	}
	e.WithFields(f).Info("metric")

	putMetric(e.component, name, value, extra)
}
