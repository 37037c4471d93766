package stt

import (
	"sync"
	"time"
)

// SubtitleEntry is one line of transcribed or relayed speech.
type SubtitleEntry struct {
	Speaker string
	Text    string
	At      time.Time
}

// Window is a bounded sliding queue of the most recent subtitles. Once
// capacity is exceeded the oldest entry is dropped. Nothing is persisted.
type Window struct {
	mu      sync.Mutex
	cap     int
	entries []SubtitleEntry
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 5
	}
	return &Window{cap: capacity}
}

// Push appends an entry, evicting the oldest when full.
func (w *Window) Push(e SubtitleEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	w.entries = append(w.entries, e)
	if len(w.entries) > w.cap {
		w.entries = w.entries[len(w.entries)-w.cap:]
	}
}

// Entries returns a copy of the current window, oldest first.
func (w *Window) Entries() []SubtitleEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SubtitleEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Clear empties the window.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}
