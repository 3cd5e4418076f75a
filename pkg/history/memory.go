package history

import (
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory History, suitable for tests and non-browser hosts.
type Memory struct {
	mu        sync.Mutex
	entries   []Location
	index     int
	action    Action
	listeners map[int]Listener
	nextID    int
}

// NewMemory creates a memory history seeded with the given hrefs. The
// current entry is the last one. With no entries the history starts at "/".
func NewMemory(initialEntries ...string) *Memory {
	if len(initialEntries) == 0 {
		initialEntries = []string{"/"}
	}
	m := &Memory{
		action:    Pop,
		listeners: make(map[int]Listener),
	}
	for i, href := range initialEntries {
		p := ParsePath(href)
		if p.Pathname == "" {
			p.Pathname = "/"
		}
		key := "default"
		if i > 0 {
			key = createKey()
		}
		m.entries = append(m.entries, Location{Path: p, Key: key})
	}
	m.index = len(m.entries) - 1
	return m
}

// Action implements History.
func (m *Memory) Action() Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.action
}

// Location implements History.
func (m *Memory) Location() Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[m.index]
}

// Index returns the position of the current entry.
func (m *Memory) Index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Entries returns a copy of the entry stack.
func (m *Memory) Entries() []Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Location, len(m.entries))
	copy(out, m.entries)
	return out
}

// Push implements History.
func (m *Memory) Push(loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.Key == "" {
		loc.Key = createKey()
	}
	m.action = Push
	m.entries = append(m.entries[:m.index+1], loc)
	m.index = len(m.entries) - 1
}

// Replace implements History.
func (m *Memory) Replace(loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.Key == "" {
		loc.Key = createKey()
	}
	m.action = Replace
	m.entries[m.index] = loc
}

// Go implements History. Listeners are called synchronously after the
// index moves; out-of-range deltas are clamped. A delta that leaves the
// index where it is notifies nobody.
func (m *Memory) Go(delta int) {
	m.mu.Lock()
	next := m.index + delta
	if next < 0 {
		next = 0
	}
	if next > len(m.entries)-1 {
		next = len(m.entries) - 1
	}
	if next == m.index {
		m.mu.Unlock()
		return
	}
	m.index = next
	m.action = Pop
	loc := m.entries[m.index]
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(Update{Action: Pop, Location: loc, Delta: delta})
	}
}

// Listen implements History.
func (m *Memory) Listen(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// CreateHref implements History.
func (m *Memory) CreateHref(loc Location) string {
	return loc.Href()
}

func createKey() string {
	return uuid.NewString()[:8]
}
