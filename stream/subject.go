package stream

import "sync"

// Subject is a multicast Stream fed imperatively through Next, Error and
// Complete. Every registered observer receives each emission, in
// registration order. A terminated Subject delivers its terminal event
// immediately to late subscribers.
type Subject[T any] struct {
	mu        sync.Mutex
	observers []*subjectObserver[T]
	nextID    int
	done      bool
	err       error
}

type subjectObserver[T any] struct {
	id int
	o  Observer[T]
}

// NewSubject creates an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe registers o. If the Subject already terminated, o receives the
// terminal event synchronously and the returned subscription is inert.
func (s *Subject[T]) Subscribe(o Observer[T]) Subscription {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.err(err)
		} else {
			o.complete()
		}
		return &funcSubscription{closed: true}
	}
	id := s.nextID
	s.nextID++
	s.observers = append(s.observers, &subjectObserver[T]{id: id, o: o})
	s.mu.Unlock()

	return &funcSubscription{cancel: func() { s.remove(id) }}
}

func (s *Subject[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, so := range s.observers {
		if so.id == id {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// snapshot copies the observer list so emission callbacks run without the
// subject lock held; observers may unsubscribe or subscribe re-entrantly.
func (s *Subject[T]) snapshot() []*subjectObserver[T] {
	out := make([]*subjectObserver[T], len(s.observers))
	copy(out, s.observers)
	return out
}

// Next delivers v to every current observer. No-op after termination.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	obs := s.snapshot()
	s.mu.Unlock()

	for _, so := range obs {
		so.o.next(v)
	}
}

// Error terminates the Subject, delivering err to every current observer.
func (s *Subject[T]) Error(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	obs := s.snapshot()
	s.observers = nil
	s.mu.Unlock()

	for _, so := range obs {
		so.o.err(err)
	}
}

// Complete terminates the Subject normally.
func (s *Subject[T]) Complete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	obs := s.snapshot()
	s.observers = nil
	s.mu.Unlock()

	for _, so := range obs {
		so.o.complete()
	}
}

// Len returns the number of registered observers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Replay is a Subject that additionally retains its most recent value and
// delivers it to each new observer before any subsequent emission.
//
// Set stores a value without notifying current observers; it exists so an
// owner can persist derived state (a freshly fetched result) for future
// subscribers without re-broadcasting it to observers that already saw it.
type Replay[T any] struct {
	subject *Subject[T]
	mu      sync.Mutex
	last    T
	hasLast bool
}

// NewReplay creates an empty Replay.
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{subject: NewSubject[T]()}
}

// NewReplayWith creates a Replay pre-seeded with v.
func NewReplayWith[T any](v T) *Replay[T] {
	r := NewReplay[T]()
	r.Set(v)
	return r
}

// Subscribe registers o, replaying the retained value first if present.
// The replay is delivered before registration completes; producers are
// expected to serialize their emissions (the coordination layer does).
func (r *Replay[T]) Subscribe(o Observer[T]) Subscription {
	r.mu.Lock()
	last, has := r.last, r.hasLast
	r.mu.Unlock()
	if has {
		o.next(last)
	}
	return r.subject.Subscribe(o)
}

// Next stores v as the retained value and delivers it to every observer.
func (r *Replay[T]) Next(v T) {
	r.mu.Lock()
	r.last = v
	r.hasLast = true
	r.mu.Unlock()
	r.subject.Next(v)
}

// Set stores v as the retained value without notifying observers.
func (r *Replay[T]) Set(v T) {
	r.mu.Lock()
	r.last = v
	r.hasLast = true
	r.mu.Unlock()
}

// Latest returns the retained value, if any.
func (r *Replay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.hasLast
}

// Error terminates the stream, delivering err to every observer.
func (r *Replay[T]) Error(err error) { r.subject.Error(err) }

// Complete terminates the stream normally.
func (r *Replay[T]) Complete() { r.subject.Complete() }

// Len returns the number of registered observers.
func (r *Replay[T]) Len() int { return r.subject.Len() }
