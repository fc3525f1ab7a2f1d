package ffmpeg

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
)

// LogRing stores the most recent diagnostic lines from a decode process.
// The supervisor only consults it after a failure, so lines are kept cheap
// in memory instead of being logged as they arrive.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	index int
	full  bool
}

// NewLogRing creates a circular buffer holding up to max lines.
func NewLogRing(max int) *LogRing {
	return &LogRing{
		lines: make([]string, max),
		max:   max,
	}
}

// Add stores a new line, evicting the oldest once the ring is full.
func (r *LogRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.index] = line
	r.index = (r.index + 1) % r.max
	if r.index == 0 {
		r.full = true
	}
}

// Recent returns the buffered lines oldest first without clearing them.
func (r *LogRing) Recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentLocked()
}

func (r *LogRing) recentLocked() []string {
	if !r.full && r.index == 0 {
		return nil
	}
	var out []string
	if r.full {
		for i := 0; i < r.max; i++ {
			if line := r.lines[(r.index+i)%r.max]; line != "" {
				out = append(out, line)
			}
		}
		return out
	}
	for i := 0; i < r.index; i++ {
		if r.lines[i] != "" {
			out = append(out, r.lines[i])
		}
	}
	return out
}

// Dump flushes the buffered lines to log oldest first and empties the ring.
// Called when a read failure or abnormal exit is observed.
func (r *LogRing) Dump(log *slog.Logger) {
	r.mu.Lock()
	lines := r.recentLocked()
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.index = 0
	r.full = false
	r.mu.Unlock()

	for _, line := range lines {
		log.Error("decoder: " + line)
	}
}

// Drain reads rd line by line into the ring until EOF or error. It is run
// on its own goroutine so the subprocess never blocks on a full pipe.
func (r *LogRing) Drain(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	// ffmpeg can emit very long lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		r.Add(scanner.Text())
	}
}
