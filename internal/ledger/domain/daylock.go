package domain

import (
	"context"
	"sort"
	"sync"
)

// dayLocks serializes writes per (owner, date) key. Entries are created on
// demand and removed once the last holder or waiter releases, so the map
// only holds keys with active contention.
type dayLocks struct {
	mu      sync.Mutex
	entries map[string]*dayLockEntry
}

type dayLockEntry struct {
	sem  chan struct{}
	refs int
}

func newDayLocks() *dayLocks {
	return &dayLocks{entries: make(map[string]*dayLockEntry)}
}

// acquire blocks until the key's lock is held or ctx is done. The returned
// release function must be called exactly once.
func (l *dayLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &dayLockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.unref(key, entry)
		}, nil
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}
}

// acquireAll takes every key's lock in sorted order so concurrent
// multi-day writers cannot deadlock against each other.
func (l *dayLocks) acquireAll(ctx context.Context, keys []string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range sorted {
		release, err := l.acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (l *dayLocks) unref(key string, entry *dayLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
