package service

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/multisession-server-go/internal/model"
)

const DefaultLogRetention = 500

// ringBuffer keeps the newest cap entries of one session.
type ringBuffer struct {
	entries []model.LogEntry
	start   int
	size    int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{entries: make([]model.LogEntry, capacity)}
}

func (b *ringBuffer) push(e model.LogEntry) {
	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.start+b.size)%capacity] = e
		b.size++
		return
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % capacity
}

func (b *ringBuffer) at(i int) model.LogEntry {
	return b.entries[(b.start+i)%len(b.entries)]
}

func (b *ringBuffer) last() (model.LogEntry, bool) {
	if b.size == 0 {
		return model.LogEntry{}, false
	}
	return b.at(b.size - 1), true
}

// tail returns the newest n entries, oldest first.
func (b *ringBuffer) tail(n int) []model.LogEntry {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]model.LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = b.at(b.size - n + i)
	}
	return out
}

// LogCollector is the append-only per-session event journal. Each session keeps
// at most retention entries; older ones are discarded first.
type LogCollector struct {
	mu        sync.RWMutex
	buffers   map[string]*ringBuffer
	retention int
}

func NewLogCollector(retention int) *LogCollector {
	if retention <= 0 {
		retention = DefaultLogRetention
	}
	return &LogCollector{
		buffers:   make(map[string]*ringBuffer),
		retention: retention,
	}
}

// Append stores the entry and returns it as recorded. Timestamps never move
// backwards within a session.
func (c *LogCollector) Append(entry model.LogEntry) model.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[entry.SessionID]
	if !ok {
		buf = newRingBuffer(c.retention)
		c.buffers[entry.SessionID] = buf
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if last, ok := buf.last(); ok && entry.Timestamp.Before(last.Timestamp) {
		entry.Timestamp = last.Timestamp
	}
	buf.push(entry)
	return entry
}

// Fetch returns the most recent limit entries ordered oldest to newest. A
// non-positive limit returns everything retained.
func (c *LogCollector) Fetch(sessionID string, limit int) []model.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf, ok := c.buffers[sessionID]
	if !ok {
		return []model.LogEntry{}
	}
	return buf.tail(limit)
}

// Since returns retained entries with Timestamp >= t, oldest first.
func (c *LogCollector) Since(sessionID string, t time.Time) []model.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf, ok := c.buffers[sessionID]
	if !ok {
		return []model.LogEntry{}
	}
	// entries are time-ordered, so binary search for the first match
	first := sort.Search(buf.size, func(i int) bool {
		return !buf.at(i).Timestamp.Before(t)
	})
	out := make([]model.LogEntry, 0, buf.size-first)
	for i := first; i < buf.size; i++ {
		out = append(out, buf.at(i))
	}
	return out
}

func (c *LogCollector) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.buffers))
	for id := range c.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drop forgets every entry of a deleted session.
func (c *LogCollector) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, sessionID)
}
