// Package stream provides the push-based value stream primitives the cache
// coordination layer is built on: cold sources, multicast subjects with
// replay, reference-counted sharing, observer-count monitoring and latest-
// value combination.
//
// Delivery is callback-push: an Observer registers Next/Err/Complete
// callbacks and receives emissions synchronously on whichever goroutine
// produced them. Registries of observers are serialized behind mutexes;
// fan-out snapshots the observer set under lock and invokes callbacks
// outside it.
package stream

import "sync"

// Observer receives emissions from a Stream. Any callback may be nil.
type Observer[T any] struct {
	// Next is called once per emitted value.
	Next func(T)
	// Err is called at most once; no emissions follow it.
	Err func(error)
	// Complete is called at most once; no emissions follow it.
	Complete func()
}

func (o Observer[T]) next(v T) {
	if o.Next != nil {
		o.Next(v)
	}
}

func (o Observer[T]) err(err error) {
	if o.Err != nil {
		o.Err(err)
	}
}

func (o Observer[T]) complete() {
	if o.Complete != nil {
		o.Complete()
	}
}

// Subscription is a handle on one observer's attachment to a stream.
type Subscription interface {
	// Unsubscribe detaches the observer. Idempotent.
	Unsubscribe()
}

// Stream is a push-based sequence of values terminated by at most one
// error or completion.
type Stream[T any] interface {
	Subscribe(o Observer[T]) Subscription
}

// CancelFunc releases resources held by one subscription.
type CancelFunc func()

type funcSubscription struct {
	mu     sync.Mutex
	cancel CancelFunc
	closed bool
}

func (s *funcSubscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

type funcStream[T any] struct {
	subscribe func(Observer[T]) CancelFunc
}

func (f *funcStream[T]) Subscribe(o Observer[T]) Subscription {
	// sealed guards the terminal contract: nothing is delivered after an
	// error, a completion, or an unsubscribe.
	var (
		mu     sync.Mutex
		sealed bool
	)
	guard := func(fire func()) {
		mu.Lock()
		if sealed {
			mu.Unlock()
			return
		}
		mu.Unlock()
		fire()
	}
	seal := func(fire func()) {
		mu.Lock()
		if sealed {
			mu.Unlock()
			return
		}
		sealed = true
		mu.Unlock()
		fire()
	}

	wrapped := Observer[T]{
		Next:     func(v T) { guard(func() { o.next(v) }) },
		Err:      func(err error) { seal(func() { o.err(err) }) },
		Complete: func() { seal(func() { o.complete() }) },
	}

	cancel := f.subscribe(wrapped)
	return &funcSubscription{cancel: func() {
		mu.Lock()
		sealed = true
		mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}}
}

// New builds a Stream from a subscribe function. The function is invoked
// once per subscriber and returns a CancelFunc (possibly nil) releasing
// whatever the subscription acquired. Emissions stop being delivered after
// the observer receives Err or Complete, or unsubscribes. The returned
// stream is a distinct, pointer-comparable instance.
func New[T any](subscribe func(Observer[T]) CancelFunc) Stream[T] {
	return &funcStream[T]{subscribe: subscribe}
}

// Defer builds a cold Stream that invokes factory once per subscriber and
// subscribes to the produced stream.
func Defer[T any](factory func() Stream[T]) Stream[T] {
	return New(func(o Observer[T]) CancelFunc {
		sub := factory().Subscribe(o)
		return sub.Unsubscribe
	})
}

// Of emits the given values in order, then completes.
func Of[T any](values ...T) Stream[T] {
	return New(func(o Observer[T]) CancelFunc {
		for _, v := range values {
			o.next(v)
		}
		o.complete()
		return nil
	})
}

// Empty completes immediately without emitting.
func Empty[T any]() Stream[T] {
	return New(func(o Observer[T]) CancelFunc {
		o.complete()
		return nil
	})
}

// Fail errors immediately without emitting.
func Fail[T any](err error) Stream[T] {
	return New(func(o Observer[T]) CancelFunc {
		o.err(err)
		return nil
	})
}

// Map transforms each emission of s with f.
func Map[T, U any](s Stream[T], f func(T) U) Stream[U] {
	return New(func(o Observer[U]) CancelFunc {
		sub := s.Subscribe(Observer[T]{
			Next:     func(v T) { o.next(f(v)) },
			Err:      o.err,
			Complete: o.complete,
		})
		return sub.Unsubscribe
	})
}

// Filter forwards only the emissions of s for which keep returns true.
func Filter[T any](s Stream[T], keep func(T) bool) Stream[T] {
	return New(func(o Observer[T]) CancelFunc {
		sub := s.Subscribe(Observer[T]{
			Next: func(v T) {
				if keep(v) {
					o.next(v)
				}
			},
			Err:      o.err,
			Complete: o.complete,
		})
		return sub.Unsubscribe
	})
}
