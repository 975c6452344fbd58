package timeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIsDuplicate(t *testing.T) {
	a := Entry{ID: 1, SenderID: 5, Body: "hi", Timestamp: base}

	cases := []struct {
		name string
		b    Entry
		want bool
	}{
		{"same id", Entry{ID: 1, SenderID: 9, Body: "other", Timestamp: base.Add(time.Hour)}, true},
		{"same content within window", Entry{ID: 2, SenderID: 5, Body: "hi", Timestamp: base.Add(999 * time.Millisecond)}, true},
		{"same content earlier", Entry{SenderID: 5, Body: "hi", Timestamp: base.Add(-500 * time.Millisecond)}, true},
		{"window boundary", Entry{ID: 2, SenderID: 5, Body: "hi", Timestamp: base.Add(time.Second)}, false},
		{"different sender", Entry{ID: 2, SenderID: 6, Body: "hi", Timestamp: base}, false},
		{"different body", Entry{ID: 2, SenderID: 5, Body: "hi!", Timestamp: base}, false},
		{"different file", Entry{ID: 2, SenderID: 5, Body: "hi", FileURL: "https://f/x", Timestamp: base}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicate(a, tc.b, DefaultWindow))
		})
	}
}

func TestIsDuplicateIgnoresZeroIDs(t *testing.T) {
	a := Entry{SenderID: 1, Body: "x", Timestamp: base}
	b := Entry{SenderID: 2, Body: "y", Timestamp: base}
	assert.False(t, IsDuplicate(a, b, DefaultWindow))
}

func TestTimelineAddKeepsOrderAndReturnsExisting(t *testing.T) {
	tl := New(DefaultWindow, 10)

	_, added := tl.Add(Entry{ID: 2, SenderID: 1, Body: "second", Timestamp: base.Add(2 * time.Second)})
	require.True(t, added)
	_, added = tl.Add(Entry{ID: 1, SenderID: 1, Body: "first", Timestamp: base})
	require.True(t, added)

	stored, added := tl.Add(Entry{SenderID: 1, Body: "first", Timestamp: base.Add(300 * time.Millisecond)})
	assert.False(t, added)
	assert.Equal(t, int64(1), stored.ID)

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Body)
	assert.Equal(t, "second", entries[1].Body)
}

func TestTimelineEvictsOldest(t *testing.T) {
	tl := New(DefaultWindow, 3)
	for i := 1; i <= 5; i++ {
		tl.Add(Entry{ID: int64(i), SenderID: 1, Body: fmt.Sprint(i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.Equal(t, int64(5), entries[2].ID)
}

func TestTimelineReplaceAndRemove(t *testing.T) {
	tl := New(0, 0)
	tl.Add(Entry{SenderID: 1, Body: "pending", Timestamp: base})

	replaced := tl.Replace(Entry{ID: 42, SenderID: 1, Body: "pending", Timestamp: base.Add(100 * time.Millisecond)})
	require.True(t, replaced)
	assert.Equal(t, int64(42), tl.Entries()[0].ID)

	tl.Remove(Entry{ID: 42})
	assert.Zero(t, tl.Len())
	assert.False(t, tl.Replace(Entry{ID: 42}))
}

func TestEntriesReturnsCopy(t *testing.T) {
	tl := New(DefaultWindow, 5)
	tl.Add(Entry{ID: 1, Body: "a", Timestamp: base})
	entries := tl.Entries()
	entries[0].Body = "mutated"
	assert.Equal(t, "a", tl.Entries()[0].Body)
}

func TestCacheSeparatesKeysAndIsConcurrent(t *testing.T) {
	cache := NewCache(DefaultWindow, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	addedCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, added := cache.AddByID("chat-1", Entry{SenderID: 1, Body: "double click", Timestamp: base})
			if added {
				mu.Lock()
				addedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, addedCount)
	assert.Len(t, cache.Entries("chat-1"), 1)
	assert.Nil(t, cache.Entries("chat-2"))

	_, added := cache.AddByID("chat-2", Entry{SenderID: 1, Body: "double click", Timestamp: base})
	assert.True(t, added)
}

func TestAddByIDKeepsDistinctIDsWithMatchingContent(t *testing.T) {
	cache := NewCache(DefaultWindow, 10)

	_, added := cache.AddByID("chat-1", Entry{ID: 501, SenderID: 1, Body: "hello", Timestamp: base})
	require.True(t, added)
	_, added = cache.AddByID("chat-1", Entry{ID: 502, SenderID: 1, Body: "hello", Timestamp: base.Add(200 * time.Millisecond)})
	assert.True(t, added)

	stored, added := cache.AddByID("chat-1", Entry{ID: 501, SenderID: 1, Body: "hello", Timestamp: base.Add(5 * time.Second)})
	assert.False(t, added)
	assert.Equal(t, base, stored.Timestamp)

	// Entries without an id still match on content.
	_, added = cache.AddByID("chat-2", Entry{SenderID: 1, Body: "hi", Timestamp: base})
	require.True(t, added)
	_, added = cache.AddByID("chat-2", Entry{SenderID: 1, Body: "hi", Timestamp: base.Add(300 * time.Millisecond)})
	assert.False(t, added)

	assert.Len(t, cache.Entries("chat-1"), 2)
	assert.Len(t, cache.Entries("chat-2"), 1)
}
