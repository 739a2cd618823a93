package transcode

import "sync"

// logLines is the number of transcoder stderr lines retained.
const logLines = 500

// logBuffer is a fixed-size ring of recent transcoder output lines.
type logBuffer struct {
	mu      sync.RWMutex
	entries [logLines]string
	head    int
	size    int
}

// Append adds a line, overwriting the oldest once full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = line
	b.head = (b.head + 1) % logLines
	if b.size < logLines {
		b.size++
	}
}

// Read returns up to n lines, oldest first. n <= 0 returns everything held.
func (b *logBuffer) Read(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > b.size {
		n = b.size
	}

	out := make([]string, n)
	// head is one past the newest entry.
	start := (b.head - n + logLines) % logLines
	for i := 0; i < n; i++ {
		out[i] = b.entries[(start+i)%logLines]
	}
	return out
}
