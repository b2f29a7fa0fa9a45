package stream

import "sync"

// Broadcast multiplexes a single upstream subscription across any number of
// observers, replaying the most recent emission to each late arrival.
//
// The upstream is subscribed when the observer count goes 0 -> 1 and
// unsubscribed when it returns to 0, discarding the replayed value (the
// next observer starts a fresh upstream subscription). If the upstream
// terminates on its own, the terminal event and the retained value stick:
// later observers receive the replay followed by the terminal event, and
// the upstream is never resubscribed.
type Broadcast[T any] struct {
	source Stream[T]

	mu        sync.Mutex
	observers []*subjectObserver[T]
	nextID    int
	gen       int // bumped on every teardown; stale upstream callbacks are dropped
	upstream  Subscription
	last      *T
	done      bool
	err       error
}

// Share wraps source in a Broadcast.
func Share[T any](source Stream[T]) *Broadcast[T] {
	return &Broadcast[T]{source: source}
}

// Subscribe registers o, replaying the latest upstream emission if one was
// seen on the current upstream subscription. The first observer triggers
// the upstream subscription.
func (b *Broadcast[T]) Subscribe(o Observer[T]) Subscription {
	b.mu.Lock()
	if b.done {
		last, err := b.last, b.err
		b.mu.Unlock()
		if last != nil {
			o.next(*last)
		}
		if err != nil {
			o.err(err)
		} else {
			o.complete()
		}
		return &funcSubscription{closed: true}
	}

	id := b.nextID
	b.nextID++
	b.observers = append(b.observers, &subjectObserver[T]{id: id, o: o})
	connect := len(b.observers) == 1
	gen := b.gen
	last := b.last
	b.mu.Unlock()

	if last != nil {
		o.next(*last)
	}

	if connect {
		b.connect(gen)
	}

	return &funcSubscription{cancel: func() { b.detach(id) }}
}

// connect subscribes the upstream for generation gen. Runs outside the
// lock: the upstream may emit synchronously.
func (b *Broadcast[T]) connect(gen int) {
	sub := b.source.Subscribe(Observer[T]{
		Next:     func(v T) { b.fanOut(gen, v) },
		Err:      func(err error) { b.terminate(gen, err) },
		Complete: func() { b.terminate(gen, nil) },
	})

	b.mu.Lock()
	if b.gen != gen || b.done {
		// Torn down (or terminated) while connecting.
		b.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	b.upstream = sub
	b.mu.Unlock()
}

func (b *Broadcast[T]) fanOut(gen int, v T) {
	b.mu.Lock()
	if b.gen != gen || b.done {
		b.mu.Unlock()
		return
	}
	b.last = &v
	obs := make([]*subjectObserver[T], len(b.observers))
	copy(obs, b.observers)
	b.mu.Unlock()

	for _, so := range obs {
		so.o.next(v)
	}
}

func (b *Broadcast[T]) terminate(gen int, err error) {
	b.mu.Lock()
	if b.gen != gen || b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.err = err
	b.upstream = nil
	obs := b.observers
	b.observers = nil
	b.mu.Unlock()

	for _, so := range obs {
		if err != nil {
			so.o.err(err)
		} else {
			so.o.complete()
		}
	}
}

func (b *Broadcast[T]) detach(id int) {
	b.mu.Lock()
	found := false
	for i, so := range b.observers {
		if so.id == id {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			found = true
			break
		}
	}
	if !found || len(b.observers) > 0 || b.done {
		b.mu.Unlock()
		return
	}
	// Last observer left: tear down and reset for a fresh connect.
	upstream := b.upstream
	b.upstream = nil
	b.last = nil
	b.gen++
	b.mu.Unlock()

	if upstream != nil {
		upstream.Unsubscribe()
	}
}

// Len returns the current observer count.
func (b *Broadcast[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}
