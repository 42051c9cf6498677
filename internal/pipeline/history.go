package pipeline

import "sync"

// History is the bounded ring of recently dispatched tasks, newest first.
// Replay, restart, and previous all resolve against it.
type History struct {
	mu       sync.RWMutex
	capacity int
	entries  []Task
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{capacity: capacity}
}

// Add records a snapshot of t, evicting the oldest entry past capacity.
func (h *History) Add(t *Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]Task{*t}, h.entries...)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[:h.capacity]
	}
}

// Warm seeds the ring, newest first, from a persisted archive.
func (h *History) Warm(tasks []Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(tasks) > h.capacity {
		tasks = tasks[:h.capacity]
	}
	h.entries = append([]Task(nil), tasks...)
}

// Entries returns a copy, newest first.
func (h *History) Entries() []Task {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Task(nil), h.entries...)
}

// Find returns the entry with the given id, or nil.
func (h *History) Find(id string) *Task {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := range h.entries {
		if h.entries[i].ID == id {
			t := h.entries[i]
			return &t
		}
	}
	return nil
}

// Previous returns the entry dispatched immediately before currentID. With
// no current task it falls back to the most recent entry. Returns nil when
// nothing precedes.
func (h *History) Previous(currentID string) *Task {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return nil
	}
	if currentID == "" {
		t := h.entries[0]
		return &t
	}
	for i := range h.entries {
		if h.entries[i].ID == currentID {
			if i+1 >= len(h.entries) {
				return nil
			}
			t := h.entries[i+1]
			return &t
		}
	}
	t := h.entries[0]
	return &t
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
