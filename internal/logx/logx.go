package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Writer is a line filter + de-duplicator for the stdlib logger.
// An allow pattern (if set) must match for a line to pass, a deny pattern
// drops matching lines, and identical lines within the window are dropped.
// The poll loop logs the same round summary every couple of seconds, so the
// de-dup window is what keeps an idle asset from flooding the log.
type Writer struct {
	dst    io.Writer
	allow  *regexp.Regexp
	deny   *regexp.Regexp
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	lastGC   time.Time
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	w := &Writer{dst: dst, window: window, lastSeen: make(map[string]time.Time), lastGC: time.Now()}
	if p := strings.TrimSpace(allowPattern); p != "" {
		if re, err := regexp.Compile(p); err == nil {
			w.allow = re
		} // fail-soft: a bad pattern just disables filtering
	}
	if p := strings.TrimSpace(denyPattern); p != "" {
		if re, err := regexp.Compile(p); err == nil {
			w.deny = re
		}
	}
	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		return len(p), nil
	}

	if w.window <= 0 {
		return w.dst.Write(p)
	}

	key := strings.TrimRight(line, "\r\n")
	now := time.Now()

	w.mu.Lock()
	if last, ok := w.lastSeen[key]; ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		return len(p), nil
	}
	w.lastSeen[key] = now
	if now.Sub(w.lastGC) > 10*w.window {
		for k, t := range w.lastSeen {
			if now.Sub(t) > w.window {
				delete(w.lastSeen, k)
			}
		}
		w.lastGC = now
	}
	w.mu.Unlock()

	return w.dst.Write(p)
}
