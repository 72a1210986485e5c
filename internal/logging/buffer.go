package logging

import (
	"sync"
	"time"
)

// LogEntry represents a single log line stored in the ring buffer.
type LogEntry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries. Entry n (1-based sequence)
// lives in slot (n-1) % capacity, so the sequence alone locates the oldest
// entry.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	seq     uint64
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write stores entry, overwriting the oldest one when full, and returns it
// with its sequence number set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.seq++
	entry.Seq = rb.seq
	rb.entries[(rb.seq-1)%uint64(len(rb.entries))] = entry
	return entry
}

// ReadAll returns the stored entries, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.ReadSince(0)
}

// ReadSince returns the stored entries with a sequence number above seq,
// oldest first.
func (rb *RingBuffer) ReadSince(seq uint64) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := uint64(len(rb.entries))
	first := uint64(1)
	if rb.seq > size {
		first = rb.seq - size + 1
	}
	if seq+1 > first {
		first = seq + 1
	}
	if first > rb.seq {
		return nil
	}
	out := make([]LogEntry, 0, rb.seq-first+1)
	for n := first; n <= rb.seq; n++ {
		out = append(out, rb.entries[(n-1)%size])
	}
	return out
}

// Count returns the number of stored entries.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.seq < uint64(len(rb.entries)) {
		return int(rb.seq)
	}
	return len(rb.entries)
}
