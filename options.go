package rxstore

import (
	"errors"
	"time"
)

// Options tune a Store. ParseError is required; the rest default to the
// zero-value behavior documented per field.
type Options[P, T, E any] struct {
	// ParseError converts fetch failures into the domain error type E.
	ParseError ErrorParser[E]

	// Hash derives cache keys from request params. Nil selects HashParams.
	Hash Hasher[P]

	// TTL is how long an entry with no observers survives before it is
	// evicted. 0 keeps entries until Clear.
	TTL time.Duration

	// MaxIdleEntries bounds the number of entries with no observers,
	// evicting the least recently idled first. Entries with live observers
	// never count against it. 0 means unbounded.
	MaxIdleEntries int

	// Extra is the default per-request value handed to the fetch function
	// when a Get call does not supply its own.
	Extra any
}

// GetOptions modify a single Get call.
type GetOptions struct {
	// Force injects an invalidation before returning the stream, so the
	// next subscriber re-triggers the fetch even if a value is cached.
	Force bool

	// Extra is an opaque value forwarded to the fetch function. The most
	// recently supplied value wins.
	Extra any
}

func (o *Options[P, T, E]) validate() error {
	if o.ParseError == nil {
		return errors.New("rxstore: ParseError is required")
	}
	if o.MaxIdleEntries < 0 {
		return errors.New("rxstore: MaxIdleEntries must not be negative")
	}
	return nil
}

func (o *Options[P, T, E]) hasher() Hasher[P] {
	if o.Hash != nil {
		return o.Hash
	}
	return func(p P) string { return HashParams(p) }
}
