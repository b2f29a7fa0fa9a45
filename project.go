package rxstore

import "rxstore/stream"

// Projection helpers over a Result stream. They are thin: each is a
// Filter/Map composition, kept here so callers do not rebuild them.

// Settled drops loading frames, forwarding only settled results.
func Settled[T, E any](s stream.Stream[Result[T, E]]) stream.Stream[Result[T, E]] {
	return stream.Filter(s, func(r Result[T, E]) bool { return !r.Loading })
}

// Values emits the value of every settled result that carries one.
func Values[T, E any](s stream.Stream[Result[T, E]]) stream.Stream[T] {
	defined := stream.Filter(s, func(r Result[T, E]) bool {
		return !r.Loading && r.Value != nil
	})
	return stream.Map(defined, func(r Result[T, E]) T { return *r.Value })
}

// Errors emits every defined error.
func Errors[T, E any](s stream.Stream[Result[T, E]]) stream.Stream[E] {
	failed := stream.Filter(s, func(r Result[T, E]) bool { return r.Err != nil })
	return stream.Map(failed, func(r Result[T, E]) E { return *r.Err })
}

// LoadingOf emits the loading flag of every result.
func LoadingOf[T, E any](s stream.Stream[Result[T, E]]) stream.Stream[bool] {
	return stream.Map(s, func(r Result[T, E]) bool { return r.Loading })
}
