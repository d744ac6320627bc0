// Package logbuf collects recent log lines for replay over the API and
// fans new ones out to event-stream subscribers. It plugs into logrus as
// a hook, so everything the daemon logs is visible in the panel.
package logbuf

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/api"
)

type Collector struct {
	mu      sync.Mutex
	entries []api.LogEntry
	maxLen  int
	subs    map[chan api.LogEntry]struct{}
}

func NewCollector(maxLen int) *Collector {
	if maxLen <= 0 {
		maxLen = 200
	}
	return &Collector{
		maxLen: maxLen,
		subs:   map[chan api.LogEntry]struct{}{},
	}
}

// Levels implements logrus.Hook.
func (c *Collector) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// Fire implements logrus.Hook. Slow subscribers are skipped, never
// blocked on: logging must not stall lifecycle operations.
func (c *Collector) Fire(entry *logrus.Entry) error {
	logEntry := api.LogEntry{
		Timestamp: entry.Time.Format("15:04:05"),
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	c.mu.Lock()
	c.entries = append(c.entries, logEntry)
	if len(c.entries) > c.maxLen {
		c.entries = c.entries[len(c.entries)-c.maxLen:]
	}
	for sub := range c.subs {
		select {
		case sub <- logEntry:
		default:
		}
	}
	c.mu.Unlock()
	return nil
}

// Recent returns up to limit most recent entries, oldest first.
func (c *Collector) Recent(limit int) []api.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]api.LogEntry, len(entries))
	copy(out, entries)
	return out
}

// Subscribe registers a channel receiving new entries; the returned
// cancel function must be called when the subscriber goes away.
func (c *Collector) Subscribe() (<-chan api.LogEntry, func()) {
	ch := make(chan api.LogEntry, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

// SubscriberCount reports active stream subscribers.
func (c *Collector) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
