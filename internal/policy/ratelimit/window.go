package ratelimit

import (
	"sort"
	"time"
)

// WindowCounter keeps an ascending timestamp history per key and answers
// windowed counts. It performs no locking; callers serialize access.
//
// Each history is bounded two ways: entries older than horizon are pruned on
// every Record, and at most limit entries are retained (oldest dropped first).
// With limit set to a window cap plus one, a count over that cap is still
// detected exactly.
type WindowCounter struct {
	horizon time.Duration
	limit   int
	events  map[string][]time.Time
}

// NewWindowCounter builds a counter that forgets entries older than horizon and
// retains at most limit entries per key. A non-positive limit disables the
// length bound.
func NewWindowCounter(horizon time.Duration, limit int) *WindowCounter {
	return &WindowCounter{
		horizon: horizon,
		limit:   limit,
		events:  make(map[string][]time.Time),
	}
}

// Record appends an event for key at the given time.
func (c *WindowCounter) Record(key string, at time.Time) {
	list := c.events[key]
	if n := len(list); n == 0 || !at.Before(list[n-1]) {
		list = append(list, at)
	} else {
		// Out-of-order clock reading; keep the slice sorted.
		idx := sort.Search(n, func(i int) bool { return list[i].After(at) })
		list = append(list, time.Time{})
		copy(list[idx+1:], list[idx:])
		list[idx] = at
	}
	list = dropBefore(list, at.Add(-c.horizon))
	if c.limit > 0 && len(list) > c.limit {
		list = list[len(list)-c.limit:]
	}
	c.events[key] = list
}

// Count returns the number of events for key with now-ts < window.
func (c *WindowCounter) Count(key string, now time.Time, window time.Duration) int {
	return countWithin(c.events[key], now, window)
}

// Total sums Count over every tracked key.
func (c *WindowCounter) Total(now time.Time, window time.Duration) int {
	total := 0
	for _, list := range c.events {
		total += countWithin(list, now, window)
	}
	return total
}

// Len returns the retained history length for key.
func (c *WindowCounter) Len(key string) int {
	return len(c.events[key])
}

// Keys returns the tracked keys.
func (c *WindowCounter) Keys() []string {
	keys := make([]string, 0, len(c.events))
	for k := range c.events {
		keys = append(keys, k)
	}
	return keys
}

// Prune drops entries older than the horizon for every key and forgets keys
// left empty. It returns the number of keys removed.
func (c *WindowCounter) Prune(now time.Time) int {
	cutoff := now.Add(-c.horizon)
	removed := 0
	for key, list := range c.events {
		list = dropBefore(list, cutoff)
		if len(list) == 0 {
			delete(c.events, key)
			removed++
			continue
		}
		c.events[key] = list
	}
	return removed
}

// dropBefore removes the prefix of entries not after cutoff.
func dropBefore(list []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(list), func(i int) bool { return list[i].After(cutoff) })
	if idx == 0 {
		return list
	}
	out := make([]time.Time, len(list)-idx)
	copy(out, list[idx:])
	return out
}

func countWithin(list []time.Time, now time.Time, window time.Duration) int {
	idx := sort.Search(len(list), func(i int) bool { return now.Sub(list[i]) < window })
	return len(list) - idx
}
