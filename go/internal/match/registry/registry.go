package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// MatchKey identifies a fixture. Away team first, home team second.
type MatchKey string

// NewMatchKey builds the key for an away/home pairing.
func NewMatchKey(awayTeamID, homeTeamID string) MatchKey {
	return MatchKey(fmt.Sprintf("%s-%s", awayTeamID, homeTeamID))
}

func (k MatchKey) String() string {
	return string(k)
}

// Anchor pins the match clock: Seconds was the elapsed match time at Instant.
type Anchor struct {
	Instant time.Time
	Seconds int
}

// LiveSeconds returns the elapsed match time at now. Time before the anchor
// counts as zero so the result never drops below Seconds.
func (a Anchor) LiveSeconds(now time.Time) int {
	elapsed := now.Sub(a.Instant)
	if elapsed < 0 {
		elapsed = 0
	}
	return a.Seconds + int(elapsed/time.Second)
}

// Entry is a point-in-time view of one registered match.
type Entry struct {
	Key        MatchKey
	Anchor     Anchor
	LastActive time.Time
}

// Registry holds the current anchor for every match. Anchors are stored by
// value, so readers always see both fields from the same write.
type Registry struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	anchors    map[MatchKey]Anchor
	lastActive map[MatchKey]time.Time
}

// New creates an empty registry reading time from clock.
func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:      clock,
		anchors:    make(map[MatchKey]Anchor),
		lastActive: make(map[MatchKey]time.Time),
	}
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Get returns the anchor for key, if one has been set.
func (r *Registry) Get(key MatchKey) (Anchor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[key]
	return a, ok
}

// Put replaces (or inserts) the anchor for key.
func (r *Registry) Put(key MatchKey, anchor Anchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors[key] = anchor
	r.lastActive[key] = r.clock.Now()
}

// Apply runs a read-modify-write for key under the write lock. fn receives the
// current anchor and reports the anchor to store and whether to store it.
// Apply returns the anchor in effect afterwards and whether it was replaced.
// fn must not call back into the Registry.
func (r *Registry) Apply(key MatchKey, fn func(cur Anchor, ok bool) (Anchor, bool)) (Anchor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.anchors[key]
	next, store := fn(cur, ok)
	if !store {
		return cur, false
	}
	r.anchors[key] = next
	r.lastActive[key] = r.clock.Now()
	return next, true
}

// LiveSeconds returns the elapsed match time for key at now. The boolean is
// false when the match has not been anchored yet.
func (r *Registry) LiveSeconds(key MatchKey, now time.Time) (int, bool) {
	a, ok := r.Get(key)
	if !ok {
		return 0, false
	}
	return a.LiveSeconds(now), true
}

// Touch records viewer activity on key. Unknown keys are ignored.
func (r *Registry) Touch(key MatchKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[key]; ok {
		r.lastActive[key] = r.clock.Now()
	}
}

// Len returns the number of anchored matches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.anchors)
}

// Snapshot returns all entries sorted by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.anchors))
	for key, a := range r.anchors {
		entries = append(entries, Entry{Key: key, Anchor: a, LastActive: r.lastActive[key]})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Evict removes every match with no reconciliation or viewer activity within ttl.
func (r *Registry) Evict(ttl time.Duration) []MatchKey {
	cutoff := r.clock.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []MatchKey
	for key := range r.anchors {
		if r.lastActive[key].Before(cutoff) {
			delete(r.anchors, key)
			delete(r.lastActive, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// RunEviction sweeps idle matches every interval until ctx is cancelled.
// A non-positive ttl or interval disables the sweep.
func (r *Registry) RunEviction(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		log.Info().Msg("match eviction disabled")
		return
	}

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", interval).
		Dur("ttl", ttl).
		Msg("match eviction started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("match eviction shutting down")
			return
		case <-ticker.Chan():
			for _, key := range r.Evict(ttl) {
				log.Info().Str("match_key", key.String()).Msg("evicted idle match")
			}
		}
	}
}
