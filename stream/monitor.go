package stream

import "sync"

// Monitor wraps s, reporting observer-count transitions without altering
// the emissions. onSubscribe is called with the new count whenever an
// observer attaches, onUnsubscribe whenever one detaches, either explicitly
// or because the stream terminated. Either callback may be nil.
//
// Subscribing to an already-terminated source reports an instantaneous
// attach/detach pair: onSubscribe(1), the terminal event, onUnsubscribe(0).
func Monitor[T any](s Stream[T], onSubscribe, onUnsubscribe func(count int)) Stream[T] {
	var (
		mu    sync.Mutex
		count int
	)

	return New(func(o Observer[T]) CancelFunc {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		if onSubscribe != nil {
			onSubscribe(c)
		}

		var once sync.Once
		detach := func() {
			once.Do(func() {
				mu.Lock()
				count--
				c := count
				mu.Unlock()
				if onUnsubscribe != nil {
					onUnsubscribe(c)
				}
			})
		}

		sub := s.Subscribe(Observer[T]{
			Next: o.next,
			Err: func(err error) {
				o.err(err)
				detach()
			},
			Complete: func() {
				o.complete()
				detach()
			},
		})

		return func() {
			sub.Unsubscribe()
			detach()
		}
	})
}
