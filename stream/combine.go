package stream

import "sync"

// CombineLatest merges the latest values of all sources into one stream of
// slices. It emits once every source has emitted at least once, then again
// on every subsequent emission from any source. The combined stream errors
// as soon as any source errors, and completes when every source has
// completed, or immediately when a source completes without ever emitting
// (the combination can then never fire). An empty source list completes
// without emitting.
func CombineLatest[T any](sources []Stream[T]) Stream[[]T] {
	return New(func(o Observer[[]T]) CancelFunc {
		n := len(sources)
		if n == 0 {
			o.complete()
			return nil
		}

		var (
			mu        sync.Mutex
			latest    = make([]T, n)
			seen      = make([]bool, n)
			seenCount int
			doneCount int
			dead      bool
			subs      []Subscription
		)

		teardown := func() {
			mu.Lock()
			dead = true
			ss := subs
			subs = nil
			mu.Unlock()
			for _, sub := range ss {
				sub.Unsubscribe()
			}
		}

		for i := 0; i < n; i++ {
			mu.Lock()
			stop := dead
			mu.Unlock()
			if stop {
				break
			}

			i := i
			sub := sources[i].Subscribe(Observer[T]{
				Next: func(v T) {
					mu.Lock()
					if dead {
						mu.Unlock()
						return
					}
					if !seen[i] {
						seen[i] = true
						seenCount++
					}
					latest[i] = v
					ready := seenCount == n
					var out []T
					if ready {
						out = make([]T, n)
						copy(out, latest)
					}
					mu.Unlock()
					if ready {
						o.next(out)
					}
				},
				Err: func(err error) {
					mu.Lock()
					if dead {
						mu.Unlock()
						return
					}
					mu.Unlock()
					o.err(err)
					teardown()
				},
				Complete: func() {
					mu.Lock()
					if dead {
						mu.Unlock()
						return
					}
					doneCount++
					finished := doneCount == n || !seen[i]
					mu.Unlock()
					if finished {
						o.complete()
						teardown()
					}
				},
			})

			mu.Lock()
			if dead {
				mu.Unlock()
				sub.Unsubscribe()
				break
			}
			subs = append(subs, sub)
			mu.Unlock()
		}

		return teardown
	})
}
