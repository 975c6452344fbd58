// Package timeline keeps short, time-ordered message histories and suppresses
// duplicates: the same message delivered twice, or the same sender repeating
// identical content within a short window.
package timeline

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how close two identical sends must be to count as one.
const DefaultWindow = time.Second

// DefaultCapacity bounds each timeline.
const DefaultCapacity = 50

// Entry is one message in a timeline.
type Entry struct {
	ID        int64
	SenderID  int64
	Body      string
	FileURL   string
	Timestamp time.Time
	// Value carries the caller's payload for the entry.
	Value any
}

// IsDuplicate reports whether a and b are the same message: equal non-zero
// ids, or the same sender with identical body and file within window.
func IsDuplicate(a, b Entry, window time.Duration) bool {
	if a.ID != 0 && a.ID == b.ID {
		return true
	}
	if a.SenderID != b.SenderID || a.Body != b.Body || a.FileURL != b.FileURL {
		return false
	}
	delta := a.Timestamp.Sub(b.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta < window
}

// Timeline is a bounded list of entries ordered by timestamp. It is not safe
// for concurrent use; Cache guards the timelines it hands out.
type Timeline struct {
	window   time.Duration
	capacity int
	entries  []Entry
}

// New returns an empty timeline. Non-positive arguments take the defaults.
func New(window time.Duration, capacity int) *Timeline {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Timeline{window: window, capacity: capacity}
}

// Find returns the stored entry e duplicates, if any.
func (t *Timeline) Find(e Entry) (Entry, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if IsDuplicate(t.entries[i], e, t.window) {
			return t.entries[i], true
		}
	}
	return Entry{}, false
}

// Add inserts e in timestamp order unless it duplicates a stored entry, in
// which case the stored entry is returned with added=false. The oldest entries
// are evicted past capacity.
func (t *Timeline) Add(e Entry) (Entry, bool) {
	if existing, ok := t.Find(e); ok {
		return existing, false
	}
	t.insert(e)
	return e, true
}

// AddByID inserts e unless an entry with the same non-zero id is stored.
// Entries without an id fall back to Add.
func (t *Timeline) AddByID(e Entry) (Entry, bool) {
	if e.ID == 0 {
		return t.Add(e)
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].ID == e.ID {
			return t.entries[i], false
		}
	}
	t.insert(e)
	return e, true
}

func (t *Timeline) insert(e Entry) {
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Timestamp.After(e.Timestamp)
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
	if over := len(t.entries) - t.capacity; over > 0 {
		t.entries = append(t.entries[:0], t.entries[over:]...)
	}
}

// Replace swaps the stored entry duplicating e for e, keeping its position.
// It reports whether an entry was replaced.
func (t *Timeline) Replace(e Entry) bool {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if IsDuplicate(t.entries[i], e, t.window) {
			t.entries[i] = e
			return true
		}
	}
	return false
}

// Remove drops the entry duplicating e.
func (t *Timeline) Remove(e Entry) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if IsDuplicate(t.entries[i], e, t.window) {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *Timeline) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the stored entries, oldest first.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Cache holds one timeline per conversation key.
type Cache struct {
	mu        sync.Mutex
	window    time.Duration
	capacity  int
	timelines map[string]*Timeline
}

// NewCache returns a cache whose timelines use window and capacity.
func NewCache(window time.Duration, capacity int) *Cache {
	return &Cache{window: window, capacity: capacity, timelines: make(map[string]*Timeline)}
}

// Do runs fn with the timeline for key while holding the cache lock.
func (c *Cache) Do(key string, fn func(*Timeline)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[key]
	if !ok {
		tl = New(c.window, c.capacity)
		c.timelines[key] = tl
	}
	fn(tl)
}

// AddByID adds e to the timeline for key. See Timeline.AddByID.
func (c *Cache) AddByID(key string, e Entry) (Entry, bool) {
	var (
		stored Entry
		added  bool
	)
	c.Do(key, func(tl *Timeline) { stored, added = tl.AddByID(e) })
	return stored, added
}

// Entries returns a copy of the timeline for key.
func (c *Cache) Entries(key string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[key]
	if !ok {
		return nil
	}
	return tl.Entries()
}
