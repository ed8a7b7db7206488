package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Combined filter + de-dup + redaction writer.
// - allowPattern (optional): if set, only lines matching it pass
// - denyPattern  (optional): lines matching it are dropped
// - window: drop identical lines seen within this window (de-dup)
// Provider credentials leak easily through DSNs and factory errors, so
// password-looking fragments are masked before anything hits the sink.
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration
	mu          sync.Mutex
	lastSeen    map[string]time.Time
}

var redactRE = regexp.MustCompile(`(?i)(password|passwd|pwd)=([^\s&"]+)`)

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	var allowRE, denyRE *regexp.Regexp
	if strings.TrimSpace(allowPattern) != "" {
		if re, err := regexp.Compile(allowPattern); err == nil {
			allowRE = re
		} // else: fail-soft
	}
	if strings.TrimSpace(denyPattern) != "" {
		if re, err := regexp.Compile(denyPattern); err == nil {
			denyRE = re
		}
	}
	return &Writer{dst: dst, allow: allowRE, deny: denyRE, window: window, lastSeen: make(map[string]time.Time)}
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(line) {
		return len(p), nil
	}

	line = redactRE.ReplaceAllString(line, "$1=***")

	key := strings.TrimRight(line, "\r\n")

	now := time.Now()
	w.mu.Lock()
	last, ok := w.lastSeen[key]
	if ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		return len(p), nil // drop duplicate within window
	}
	w.lastSeen[key] = now
	w.mu.Unlock()

	_, err := w.dst.Write([]byte(line))
	return len(p), err
}
