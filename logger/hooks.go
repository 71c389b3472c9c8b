package logger

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// sourceHook stamps each entry with the file:line that produced it, as a
// plain "src" field. logrus's built-in caller reporting would attribute
// every line to this package's wrappers, so the hook walks the stack itself
// and keeps the first frame that belongs to neither logrus nor logger.
type sourceHook struct{}

func (sourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (sourceHook) Fire(entry *logrus.Entry) error {
	var pcs [12]uintptr
	n := runtime.Callers(6, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if fn := frame.Function; !strings.Contains(fn, "sirupsen/logrus") && !strings.Contains(fn, "quotebot/logger") {
			entry.Data["src"] = filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
