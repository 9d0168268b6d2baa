package cache

import (
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// Entry pairs a snapshot with the instant it was fetched. Entries are never mutated
// after they are stored.
type Entry struct {
	Snapshot  models.Snapshot
	FetchedAt time.Time
}

// Age returns now - FetchedAt, clamped at zero when the clock reports a time before FetchedAt.
func (e Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.FetchedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Fresh reports whether the entry is strictly younger than ttl. An entry exactly ttl old is expired.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

// Slot holds at most one Entry. Store publishes a complete entry with a single pointer
// swap, so Load never observes a snapshot paired with another fetch's timestamp.
// Safe for concurrent use; concurrent Stores resolve last-write-wins.
type Slot struct {
	entry atomic.Pointer[Entry]
}

// Load returns the current entry and true, or false when nothing has been stored yet.
func (s *Slot) Load() (Entry, bool) {
	e := s.entry.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Store replaces the current entry.
func (s *Slot) Store(snapshot models.Snapshot, fetchedAt time.Time) {
	s.entry.Store(&Entry{Snapshot: snapshot, FetchedAt: fetchedAt})
}
