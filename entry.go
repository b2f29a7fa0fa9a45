package rxstore

import (
	"sync"
	"time"

	"rxstore/stream"
)

// signal is the tagged state fed through an entry's invalidation channel:
// either "invalidated" (the next subscription must fetch) or a concrete
// cached result to serve as-is. The tag avoids ambiguity when a legitimate
// cached value is itself absent.
type signal[T, E any] struct {
	invalidated bool
	cached      Result[T, E]
}

func invalidatedSignal[T, E any]() signal[T, E] {
	return signal[T, E]{invalidated: true}
}

func cachedSignal[T, E any](r Result[T, E]) signal[T, E] {
	return signal[T, E]{cached: r}
}

// entry is the per-key record: the invalidation channel driving the fetch
// state machine, the shared result stream consumers subscribe to, and the
// eviction timer handle.
//
// failed, extra, observers and evict are guarded by the owning Store's
// mutex.
type entry[P, T, E any] struct {
	key    string
	params P

	signal  *stream.Replay[signal[T, E]]
	results stream.Stream[Result[T, E]]

	failed    bool
	extra     any
	observers int
	evict     *time.Timer
}

// pipeline builds the entry's fetch state machine as a cold stream driven
// by the invalidation channel. Each "invalidated" signal emits a loading
// frame carrying the previous value, cancels any in-flight fetch and
// starts a new one; each fetched value is emitted as a settled result and
// stashed back into the channel so the cached value survives teardown of
// the shared subscription. Fetch failures are parsed and emitted inside a
// normal result; the stream itself never errors or completes.
func (s *Store[P, T, E]) pipeline(e *entry[P, T, E]) stream.Stream[Result[T, E]] {
	return stream.New(func(o stream.Observer[Result[T, E]]) stream.CancelFunc {
		var (
			mu      sync.Mutex
			closed  bool
			seq     int
			lastVal *T
			inner   stream.Subscription
		)

		onSignal := func(sig signal[T, E]) {
			mu.Lock()
			if closed {
				mu.Unlock()
				return
			}
			seq++
			cur := seq
			old := inner
			inner = nil
			carried := lastVal
			mu.Unlock()

			if old != nil {
				old.Unsubscribe()
			}

			if !sig.invalidated {
				if sig.cached.Value != nil {
					mu.Lock()
					lastVal = sig.cached.Value
					mu.Unlock()
				}
				o.Next(sig.cached)
				return
			}

			// Loading frame first; a synchronously resolving fetch follows
			// immediately after.
			o.Next(Result[T, E]{Loading: true, Value: carried})

			sub := s.fetch(e.params, s.extraOf(e)).Subscribe(stream.Observer[T]{
				Next: func(v T) {
					mu.Lock()
					if closed || seq != cur {
						mu.Unlock()
						return
					}
					lastVal = &v
					mu.Unlock()

					res := Result[T, E]{Value: &v}
					s.setFailed(e, false)
					// Persist so a resubscribe after full teardown serves
					// the cached value instead of refetching.
					e.signal.Set(cachedSignal(res))
					o.Next(res)
				},
				Err: func(err error) {
					mu.Lock()
					if closed || seq != cur {
						mu.Unlock()
						return
					}
					held := lastVal
					mu.Unlock()

					parsed := s.parse(err)
					s.setFailed(e, true)
					o.Next(Result[T, E]{Value: held, Err: &parsed})
				},
				// A completing fetch does not terminate the entry stream.
				Complete: func() {},
			})

			mu.Lock()
			if closed || seq != cur {
				mu.Unlock()
				sub.Unsubscribe()
				return
			}
			inner = sub
			mu.Unlock()
		}

		sigSub := e.signal.Subscribe(stream.Observer[signal[T, E]]{Next: onSignal})

		return func() {
			mu.Lock()
			closed = true
			old := inner
			inner = nil
			mu.Unlock()
			if old != nil {
				old.Unsubscribe()
			}
			sigSub.Unsubscribe()
		}
	})
}
