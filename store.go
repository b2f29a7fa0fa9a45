package rxstore

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"rxstore/stream"
)

// Store is the keyed cache: it lazily fetches, caches, multiplexes,
// invalidates and evicts values per request key. At most one entry exists
// per hashed key and at most one fetch is in flight per entry, enforced by
// multicast sharing of the entry's result stream.
type Store[P, T, E any] struct {
	fetch  Fetcher[P, T]
	parse  ErrorParser[E]
	hash   Hasher[P]
	ttl    time.Duration
	extra  any
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry[P, T, E]
	idle    *lru.Cache[string, *entry[P, T, E]]
}

// New creates a Store around the given fetch function.
func New[P, T, E any](fetch Fetcher[P, T], opts Options[P, T, E], logger zerolog.Logger) (*Store[P, T, E], error) {
	if fetch == nil {
		return nil, fmt.Errorf("rxstore: fetch function is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Store[P, T, E]{
		fetch:   fetch,
		parse:   opts.ParseError,
		hash:    opts.hasher(),
		ttl:     opts.TTL,
		extra:   opts.Extra,
		logger:  logger.With().Str("component", "store").Logger(),
		entries: make(map[string]*entry[P, T, E]),
	}

	if opts.MaxIdleEntries > 0 {
		// The eviction callback runs synchronously inside Add/Remove/Purge,
		// which this store only ever calls with s.mu held; the callback
		// touches store state without re-locking.
		idle, err := lru.NewWithEvict[string, *entry[P, T, E]](opts.MaxIdleEntries, s.onIdleEvict)
		if err != nil {
			return nil, fmt.Errorf("rxstore: idle entry cache: %w", err)
		}
		s.idle = idle
	}

	return s, nil
}

// Get returns the shared result stream for params. The stream is cold with
// respect to fetching: subscribing is what triggers work. Repeated calls
// for the same key return the identical stream instance.
func (s *Store[P, T, E]) Get(params P) stream.Stream[Result[T, E]] {
	return s.GetWith(params, GetOptions{})
}

// GetWith is Get with per-call options. With Force set, or when the last
// fetch for the key failed, an invalidation is injected before the stream
// is returned so the next subscriber re-triggers the fetch.
func (s *Store[P, T, E]) GetWith(params P, opt GetOptions) stream.Stream[Result[T, E]] {
	key := s.hash(params)

	s.mu.Lock()
	e, existed := s.entries[key]
	if !existed {
		e = s.newEntry(key, params)
		s.entries[key] = e
	}
	if opt.Extra != nil {
		e.extra = opt.Extra
	}
	refetch := existed && (opt.Force || e.failed)
	if refetch {
		e.failed = false
	}
	s.mu.Unlock()

	if !existed {
		s.logger.Debug().Str("key", key).Msg("created cache entry")
	}
	if refetch {
		e.signal.Next(invalidatedSignal[T, E]())
	}
	return e.results
}

// SetLocalValue creates the entry for params if absent and injects value
// directly, without invoking the fetch function. Downstream it is
// indistinguishable from a fetched value.
func (s *Store[P, T, E]) SetLocalValue(params P, value T) {
	key := s.hash(params)

	s.mu.Lock()
	e, existed := s.entries[key]
	if !existed {
		e = s.newEntry(key, params)
		s.entries[key] = e
	}
	e.failed = false
	s.mu.Unlock()

	v := value
	e.signal.Next(cachedSignal(Result[T, E]{Value: &v}))
	s.logger.Debug().Str("key", key).Msg("injected local value")
}

// InvalidateAll injects an invalidation into every entry. Entries with
// live observers refetch immediately; idle entries refetch on their next
// subscription.
func (s *Store[P, T, E]) InvalidateAll() {
	s.invalidate(func(P) bool { return true })
}

// InvalidateWhere injects an invalidation into every entry whose params
// satisfy pred.
func (s *Store[P, T, E]) InvalidateWhere(pred func(params P) bool) {
	s.invalidate(pred)
}

func (s *Store[P, T, E]) invalidate(pred func(P) bool) {
	s.mu.Lock()
	matched := make([]*entry[P, T, E], 0, len(s.entries))
	for _, e := range s.entries {
		if pred(e.params) {
			e.failed = false
			matched = append(matched, e)
		}
	}
	s.mu.Unlock()

	// Signalled outside the lock: an entry with observers fetches
	// synchronously and the fetch path takes s.mu again.
	for _, e := range matched {
		e.signal.Next(invalidatedSignal[T, E]())
	}
	s.logger.Debug().Int("entries", len(matched)).Msg("invalidated entries")
}

// Clear removes every entry. Streams already held by consumers keep their
// current subscriptions but the store forgets them; the next Get rebuilds
// from scratch.
func (s *Store[P, T, E]) Clear() {
	s.mu.Lock()
	dropped := s.entries
	s.entries = make(map[string]*entry[P, T, E])
	for _, e := range dropped {
		s.stopEvict(e)
	}
	if s.idle != nil {
		s.idle.Purge()
	}
	s.mu.Unlock()

	s.logger.Info().Int("entries", len(dropped)).Msg("cleared store")
}

// Len returns the number of live entries.
func (s *Store[P, T, E]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// newEntry builds the per-key record and its shared result stream.
// Caller holds s.mu.
func (s *Store[P, T, E]) newEntry(key string, params P) *entry[P, T, E] {
	e := &entry[P, T, E]{
		key:    key,
		params: params,
		signal: stream.NewReplayWith(invalidatedSignal[T, E]()),
	}
	shared := stream.Share(s.pipeline(e))
	e.results = stream.Monitor[Result[T, E]](shared,
		func(n int) { s.onObserve(e, n) },
		func(n int) { s.onRelease(e, n) },
	)
	return e
}

// onObserve runs on every observer attach; a pending eviction is cancelled
// as soon as the entry has an observer again.
func (s *Store[P, T, E]) onObserve(e *entry[P, T, E], n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.observers = n
	s.stopEvict(e)
	if s.idle != nil {
		s.idle.Remove(e.key)
	}
}

// onRelease runs on every observer detach; at count zero the eviction
// timer starts and the entry joins the idle set.
func (s *Store[P, T, E]) onRelease(e *entry[P, T, E], n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.observers = n
	if n > 0 {
		return
	}
	if s.ttl > 0 && e.evict == nil {
		e.evict = time.AfterFunc(s.ttl, func() { s.evictExpired(e) })
	}
	if s.idle != nil {
		s.idle.Add(e.key, e)
	}
}

// evictExpired removes e once its TTL elapsed with no observer attached.
func (s *Store[P, T, E]) evictExpired(e *entry[P, T, E]) {
	s.mu.Lock()
	if s.entries[e.key] != e || e.observers > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.entries, e.key)
	s.stopEvict(e)
	if s.idle != nil {
		s.idle.Remove(e.key)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("key", e.key).Msg("evicted cache entry")
}

// onIdleEvict is the idle-LRU eviction callback. Runs with s.mu held.
func (s *Store[P, T, E]) onIdleEvict(key string, e *entry[P, T, E]) {
	if s.entries[key] != e || e.observers > 0 {
		return
	}
	delete(s.entries, key)
	s.stopEvict(e)
	s.logger.Debug().Str("key", key).Msg("dropped idle cache entry")
}

// stopEvict cancels a pending eviction timer. Caller holds s.mu.
func (s *Store[P, T, E]) stopEvict(e *entry[P, T, E]) {
	if e.evict != nil {
		e.evict.Stop()
		e.evict = nil
	}
}

func (s *Store[P, T, E]) setFailed(e *entry[P, T, E], failed bool) {
	s.mu.Lock()
	e.failed = failed
	s.mu.Unlock()
}

func (s *Store[P, T, E]) extraOf(e *entry[P, T, E]) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.extra != nil {
		return e.extra
	}
	return s.extra
}
