package orchestrator

import (
	"strings"
	"sync"
)

// DefaultTailLines is how many lines of pipeline output a tail keeps when
// no limit is configured.
const DefaultTailLines = 80

// TailBuffer keeps the most recent lines of pipeline output. Its rendering
// is served as a job's log tail, so every read is a full snapshot.
type TailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func NewTailBuffer(maxLines int) *TailBuffer {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	return &TailBuffer{max: maxLines}
}

// Append adds one line, evicting the oldest lines beyond the limit.
func (t *TailBuffer) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// String renders the retained lines joined by newlines.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
