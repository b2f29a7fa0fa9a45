// Package batch layers a batching coordinator on top of an rxstore.Store.
//
// Single-key fetches issued within one buffering window are accumulated,
// de-duplicated by request hash and dispatched as one collective fetch;
// each element of the collective result is routed back to the key that
// asked for it. A collective fetch may return a live stream: every current
// and future waiter of its window keeps receiving updated batches.
package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rxstore"
	"rxstore/stream"
)

// Request is one buffered single-key request: the original params plus the
// opaque extra value its Get call carried.
type Request[P any] struct {
	Params P
	Extra  any
}

// Result is one element of a collective fetch's output, keyed by the hash
// of Request. A nil Response with a nil Err means the source had nothing
// for this key.
type Result[P, T any] struct {
	Request  P
	Response *T
	Err      error
}

// Fetcher performs one collective fetch for a de-duplicated request list.
// It may emit a single batch and complete, or keep emitting updated
// batches indefinitely.
type Fetcher[P, T any] func(reqs []Request[P]) stream.Stream[[]Result[P, T]]

// window is the set of request hashes accumulated during one buffering
// interval plus the shared collective result stream serving them. The
// hash set is the full, non-deduplicated set, so every original caller
// finds its window; the result stream is reference-counted with replay,
// fetched on first demand and torn down once unreferenced.
type window[P, T any] struct {
	hashes  map[string]struct{}
	results *stream.Broadcast[[]Result[P, T]]
}

// Coordinator converts the single-key fetches of an rxstore.Store into
// windowed collective fetches.
type Coordinator[P, T, E any] struct {
	store    *rxstore.Store[P, T, E]
	fetch    Fetcher[P, T]
	hash     rxstore.Hasher[P]
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []Request[P]
	timer   *time.Timer
	closed  bool

	feed *stream.Subject[*window[P, T]]
}

// New creates a Coordinator dispatching one collective fetch per buffering
// interval. The store options apply to the underlying keyed cache.
func New[P, T, E any](fetch Fetcher[P, T], interval time.Duration, opts rxstore.Options[P, T, E], logger zerolog.Logger) (*Coordinator[P, T, E], error) {
	if fetch == nil {
		return nil, fmt.Errorf("batch: fetch function is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("batch: buffering interval must be positive")
	}

	c := &Coordinator[P, T, E]{
		fetch:    fetch,
		interval: interval,
		logger:   logger.With().Str("component", "batch").Logger(),
		feed:     stream.NewSubject[*window[P, T]](),
	}

	if opts.Hash == nil {
		opts.Hash = func(p P) string { return rxstore.HashParams(p) }
	}
	c.hash = opts.Hash

	store, err := rxstore.New[P, T, E](c.fetchOne, opts, logger)
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

// Store returns the underlying keyed cache.
func (c *Coordinator[P, T, E]) Store() *rxstore.Store[P, T, E] { return c.store }

// Get returns the shared result stream for params; the fetch it may
// trigger is swept into the next batch window.
func (c *Coordinator[P, T, E]) Get(params P) stream.Stream[rxstore.Result[T, E]] {
	return c.store.Get(params)
}

// GetWith is Get with per-call options.
func (c *Coordinator[P, T, E]) GetWith(params P, opt rxstore.GetOptions) stream.Stream[rxstore.Result[T, E]] {
	return c.store.GetWith(params, opt)
}

// GetMany combines the result streams of all requested keys; keys needing
// a fetch land in the same batch window.
func (c *Coordinator[P, T, E]) GetMany(paramsList []P) stream.Stream[rxstore.ManyResult[T, E]] {
	return c.store.GetMany(paramsList)
}

// SetLocalValue injects a value for params without any fetch.
func (c *Coordinator[P, T, E]) SetLocalValue(params P, value T) {
	c.store.SetLocalValue(params, value)
}

// ExpireAll invalidates every cached key. Keys with live observers refetch
// through the next batch window; idle keys refetch on their next
// subscription.
func (c *Coordinator[P, T, E]) ExpireAll() { c.store.InvalidateAll() }

// ExpireWhere invalidates every key whose params satisfy pred.
func (c *Coordinator[P, T, E]) ExpireWhere(pred func(params P) bool) {
	c.store.InvalidateWhere(pred)
}

// Close stops the pending window timer and dispatches any buffered
// requests in a final window.
func (c *Coordinator[P, T, E]) Close() {
	c.mu.Lock()
	c.closed = true
	t := c.timer
	c.timer = nil
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	c.flush()
	c.logger.Info().Msg("batch coordinator closed")
}

// fetchOne is the per-key fetch function handed to the underlying store.
// It subscribes to the window feed first, then buffers the request, and
// resolves against the first window whose hash set contains this request.
func (c *Coordinator[P, T, E]) fetchOne(params P, extra any) stream.Stream[T] {
	return stream.New(func(o stream.Observer[T]) stream.CancelFunc {
		h := c.hash(params)

		var (
			mu      sync.Mutex
			matched bool
			closed  bool
			feedSub stream.Subscription
			winSub  stream.Subscription
		)

		// Registering under mu: the subject never emits synchronously
		// during Subscribe, and a window broadcast from the timer
		// goroutine blocks on mu until feedSub is assigned.
		mu.Lock()
		feedSub = c.feed.Subscribe(stream.Observer[*window[P, T]]{
			Next: func(w *window[P, T]) {
				mu.Lock()
				if matched || closed {
					mu.Unlock()
					return
				}
				if _, ok := w.hashes[h]; !ok {
					mu.Unlock()
					return
				}
				matched = true
				fs := feedSub
				mu.Unlock()

				if fs != nil {
					fs.Unsubscribe()
				}

				sub := w.results.Subscribe(stream.Observer[[]Result[P, T]]{
					Next:     func(batch []Result[P, T]) { c.deliver(o, h, batch) },
					Err:      o.Err,
					Complete: o.Complete,
				})

				mu.Lock()
				if closed {
					mu.Unlock()
					sub.Unsubscribe()
					return
				}
				winSub = sub
				mu.Unlock()
			},
		})
		mu.Unlock()

		// Buffer only after the subscription above is in place, so the
		// window cannot race ahead of this waiter.
		c.enqueue(Request[P]{Params: params, Extra: extra})

		return func() {
			mu.Lock()
			closed = true
			fs, ws := feedSub, winSub
			feedSub, winSub = nil, nil
			mu.Unlock()
			if fs != nil {
				fs.Unsubscribe()
			}
			if ws != nil {
				ws.Unsubscribe()
			}
		}
	})
}

// deliver routes one batch emission to a single waiter.
func (c *Coordinator[P, T, E]) deliver(o stream.Observer[T], h string, batch []Result[P, T]) {
	for _, r := range batch {
		if c.hash(r.Request) != h {
			continue
		}
		if r.Err != nil {
			o.Err(r.Err)
			return
		}
		if r.Response != nil {
			o.Next(*r.Response)
			return
		}
		var zero T
		o.Next(zero)
		return
	}
	// Hash absent from the batch: resolve with the zero value so the miss
	// is visible instead of stalling the waiter forever.
	c.logger.Warn().Str("hash", h).Msg("collective fetch returned no result for request")
	var zero T
	o.Next(zero)
}

func (c *Coordinator[P, T, E]) enqueue(req Request[P]) {
	c.mu.Lock()
	c.pending = append(c.pending, req)
	if c.timer == nil && !c.closed {
		c.timer = time.AfterFunc(c.interval, c.flush)
	}
	c.mu.Unlock()
}

// flush drains the buffer into a new window and announces it. The
// collective fetch receives the de-duplicated request list (first
// occurrence of a hash wins, including its Extra); the window's hash set
// keeps every buffered hash so all original callers resolve against it.
func (c *Coordinator[P, T, E]) flush() {
	c.mu.Lock()
	c.timer = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	hashes := make(map[string]struct{}, len(pending))
	deduped := make([]Request[P], 0, len(pending))
	for _, req := range pending {
		h := c.hash(req.Params)
		if _, seen := hashes[h]; !seen {
			deduped = append(deduped, req)
		}
		hashes[h] = struct{}{}
	}

	reqs := deduped
	w := &window[P, T]{
		hashes: hashes,
		results: stream.Share(stream.Defer(func() stream.Stream[[]Result[P, T]] {
			return c.fetch(reqs)
		})),
	}

	c.logger.Debug().
		Int("buffered", len(pending)).
		Int("deduped", len(deduped)).
		Msg("dispatching batch window")

	c.feed.Next(w)
}
