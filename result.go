package rxstore

import "rxstore/stream"

// Result is the only shape a cache entry ever emits. Loading frames carry
// the previous value, if any, so consumers can keep showing stale data
// during a refetch; Loading implies Err is nil.
type Result[T, E any] struct {
	Loading bool
	Value   *T
	Err     *E
}

// ManyResult is the combined view over several keys, as produced by
// Store.GetMany. Values and Errors hold the defined values and errors of
// the constituent keys, in request order.
type ManyResult[T, E any] struct {
	Loading bool
	Values  []T
	Errors  []E
}

// Fetcher produces the value stream for one request key. It may emit a
// single value and complete, or keep emitting indefinitely (a live
// source); it must signal failure through the stream's error channel.
// extra is the opaque per-request value passed to Store.GetWith.
type Fetcher[P, T any] func(params P, extra any) stream.Stream[T]

// ErrorParser converts a raw fetch failure into the domain error type. It
// is called exactly once per failure, synchronously, before the parsed
// error is emitted. It must not panic under normal use.
type ErrorParser[E any] func(err error) E

// Hasher derives the cache key for a request value. It must be
// deterministic, and order-insensitive across structurally equal
// composite inputs. Collisions between distinguishable inputs are not
// detected.
type Hasher[P any] func(params P) string
