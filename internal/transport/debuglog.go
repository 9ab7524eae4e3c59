package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DebugEntry is one line of the user-visible diagnostic log.
type DebugEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// DebugLog keeps the most recent diagnostic lines in a bounded ring.
type DebugLog struct {
	mu        sync.Mutex
	entries   []DebugEntry
	capacity  int
	observers map[int]func(DebugEntry)
	nextID    int
	logger    *slog.Logger
	clock     func() time.Time
}

func NewDebugLog(capacity int, logger *slog.Logger) *DebugLog {
	if capacity <= 0 {
		capacity = 20
	}
	return &DebugLog{
		capacity:  capacity,
		observers: make(map[int]func(DebugEntry)),
		logger:    logger,
		clock:     time.Now,
	}
}

// Addf records a formatted entry, evicting the oldest once full.
func (d *DebugLog) Addf(format string, args ...any) {
	if d == nil {
		return
	}
	entry := DebugEntry{Time: d.clock(), Message: fmt.Sprintf(format, args...)}

	d.mu.Lock()
	d.entries = append(d.entries, entry)
	if over := len(d.entries) - d.capacity; over > 0 {
		d.entries = append(d.entries[:0:0], d.entries[over:]...)
	}
	observers := make([]func(DebugEntry), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Debug(entry.Message)
	}
	for _, fn := range observers {
		fn(entry)
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (d *DebugLog) Entries() []DebugEntry {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DebugEntry(nil), d.entries...)
}

// Subscribe registers fn for every new entry and returns its cancel func.
func (d *DebugLog) Subscribe(fn func(DebugEntry)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}
