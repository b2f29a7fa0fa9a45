// Package rxstore is a per-key asynchronous value cache with request
// de-duplication, forced invalidation and subscriber-count-driven eviction.
//
// A Store multiplexes any number of observers onto at most one in-flight
// fetch per request key. Results are delivered as a stream of Result frames
// carrying a loading flag, the latest value and the latest parsed error;
// a fetch that emits multiple times (a live source) keeps feeding every
// observer of its key. Entries can be invalidated in bulk or by predicate,
// seeded locally without fetching, and are evicted after a configurable
// TTL once their last observer detaches.
//
// The rxstore/batch package layers a batching coordinator on top of a
// Store, coalescing the single-key fetches issued within a time window
// into one collective fetch.
package rxstore
