package logx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupWithinWindow(t *testing.T) {
	var buf strings.Builder
	w := New(&buf, time.Minute, "", "")

	w.Write([]byte("[pool] primary: borrow stuck\n"))
	w.Write([]byte("[pool] primary: borrow stuck\n"))
	w.Write([]byte("[pool] backup: borrow stuck\n"))

	assert.Equal(t, 1, strings.Count(buf.String(), "primary"))
	assert.Equal(t, 1, strings.Count(buf.String(), "backup"))
}

func TestAllowAndDenyFilters(t *testing.T) {
	var buf strings.Builder
	w := New(&buf, 0, `\[pool\]|\[limiter\]`, `debug`)

	w.Write([]byte("[pool] ok line\n"))
	w.Write([]byte("[pool] debug noise\n"))
	w.Write([]byte("[http] unrelated\n"))

	assert.Equal(t, "[pool] ok line\n", buf.String())
}

func TestRedactsCredentials(t *testing.T) {
	var buf strings.Builder
	w := New(&buf, 0, "", "")

	w.Write([]byte(`[nntp] dial failed: dsn=user:x password=hunter2 host=news.example` + "\n"))

	assert.Contains(t, buf.String(), "password=***")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestBadPatternFailsSoft(t *testing.T) {
	var buf strings.Builder
	w := New(&buf, 0, "([", "")

	w.Write([]byte("still logs\n"))
	assert.Equal(t, "still logs\n", buf.String())
}
