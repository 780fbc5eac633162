// Package queue holds the bounded FIFO of pending prompts. The scheduling
// engine is the only consumer; items leave either through DequeueHead (one
// dispatch cycle) or through an explicit user removal.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MaxSize is the capacity bound. Fixed, not configurable.
const MaxSize = 10

var (
	ErrFull      = errors.New("queue is full")
	ErrEmptyText = errors.New("prompt text is empty")
)

// Item is one queued prompt. Owned exclusively by the Store; callers get copies.
type Item struct {
	ID   string
	Text string
	Icon string

	// Origin reference for prompts created from a panel button.
	ButtonID    string
	ButtonIndex int

	// AutoSend is always true for engine-originated dispatches.
	AutoSend   bool
	ManualCard bool
}

// Store is a bounded FIFO with monotonic ids. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	items  []Item
	nextID uint64

	// onChange runs after every successful mutation, outside the lock.
	// It must be idempotent; the engine wires the queue display refresh here.
	onChange func()
}

func NewStore(onChange func()) *Store {
	if onChange == nil {
		onChange = func() {}
	}
	return &Store{onChange: onChange, nextID: 1}
}

// Enqueue trims the text, assigns the next id and appends at the tail.
// Returns ErrFull at capacity and ErrEmptyText for blank text.
func (s *Store) Enqueue(it Item) (Item, error) {
	it.Text = strings.TrimSpace(it.Text)
	if it.Text == "" {
		return Item{}, ErrEmptyText
	}

	s.mu.Lock()
	if len(s.items) >= MaxSize {
		s.mu.Unlock()
		return Item{}, ErrFull
	}
	it.ID = fmt.Sprintf("queue-item-%d", s.nextID)
	s.nextID++
	s.items = append(s.items, it)
	s.mu.Unlock()

	s.onChange()
	return it, nil
}

// DequeueHead removes and returns the item at index 0.
func (s *Store) DequeueHead() (Item, bool) {
	s.mu.Lock()
	if len(s.items) == 0 {
		s.mu.Unlock()
		return Item{}, false
	}
	it := s.items[0]
	s.items = append(s.items[:0], s.items[1:]...)
	s.mu.Unlock()

	s.onChange()
	return it, true
}

// RemoveAt removes the item at an arbitrary index (user-initiated removal).
// Out-of-bounds indexes are a no-op.
func (s *Store) RemoveAt(i int) (Item, bool) {
	s.mu.Lock()
	if i < 0 || i >= len(s.items) {
		s.mu.Unlock()
		return Item{}, false
	}
	it := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.mu.Unlock()

	s.onChange()
	return it, true
}

// Clear empties the sequence. The id counter is NOT reset; ids are never
// reused while the process is alive.
func (s *Store) Clear() {
	s.mu.Lock()
	changed := len(s.items) > 0
	s.items = s.items[:0]
	s.mu.Unlock()

	if changed {
		s.onChange()
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Items returns a snapshot copy for display.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}
