// Package telemetry keeps a fixed ring of recent log events so the debug
// console can show what happened without a serial cable attached.
package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// RingSize is the number of events retained.
	RingSize = 16
	bodySize = 128
)

// Entry is one retained event.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	BodyLen uint8
	Body    [bodySize]byte
}

// Message returns the formatted event text.
func (e *Entry) Message() string { return string(e.Body[:e.BodyLen]) }

// Ring is a circular event buffer. The zero value is ready to use.
type Ring struct {
	mu      sync.Mutex
	entries [RingSize]Entry
	head    int
	count   int
	dropped int
	paused  bool
}

// Add records msg, overwriting the oldest entry when full.
func (r *Ring) Add(t time.Time, level slog.Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	idx := (r.head + r.count) % len(r.entries)
	if r.count == len(r.entries) {
		r.head = (r.head + 1) % len(r.entries)
		r.dropped++
	} else {
		r.count++
	}
	e := &r.entries[idx]
	e.Time = t
	e.Level = level
	e.BodyLen = uint8(copy(e.Body[:], msg))
}

// Snapshot appends the retained entries to dst, oldest first.
func (r *Ring) Snapshot(dst []Entry) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.count; i++ {
		dst = append(dst, r.entries[(r.head+i)%len(r.entries)])
	}
	return dst
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many entries were overwritten since the last Reset.
func (r *Ring) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Pause stops recording until Resume.
func (r *Ring) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume restarts recording after Pause.
func (r *Ring) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Reset drops every entry.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.count, r.dropped = 0, 0, 0
}
