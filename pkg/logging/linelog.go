package logging

import (
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	lineLogMaxSizeMB  = 10
	lineLogMaxBackups = 5
	lineLogMaxAgeDays = 30
)

// LineLog appends raw protocol lines, one per row, each stamped with the
// local time. It is safe for concurrent use.
type LineLog struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// OpenLineLog returns a line log writing to a size-rotated file at path.
func OpenLineLog(path string) *LineLog {
	return NewLineLog(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    lineLogMaxSizeMB,
		MaxBackups: lineLogMaxBackups,
		MaxAge:     lineLogMaxAgeDays,
	})
}

func NewLineLog(w io.Writer) *LineLog {
	return &LineLog{w: w, now: time.Now}
}

// Append writes line. Write errors are dropped; the line log never stalls
// the session.
func (l *LineLog) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, len(line)+len(time.TimeOnly)+2)
	buf = l.now().AppendFormat(buf, time.TimeOnly)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, _ = l.w.Write(buf)
}

func (l *LineLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
