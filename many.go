package rxstore

import (
	"reflect"
	"sync"

	"rxstore/stream"
)

// GetMany combines the result streams of all requested keys into one
// aggregate stream. Loading stays true until every key has reported a
// settled result at least once; Values and Errors collect the defined
// values and errors of the latest per-key results, in request order. The
// aggregate re-emits only when its contents actually change. An empty
// request list yields a single settled empty result and completes.
func (s *Store[P, T, E]) GetMany(paramsList []P) stream.Stream[ManyResult[T, E]] {
	if len(paramsList) == 0 {
		return stream.Of(ManyResult[T, E]{Values: []T{}, Errors: []E{}})
	}

	sources := make([]stream.Stream[Result[T, E]], len(paramsList))
	for i, p := range paramsList {
		sources[i] = s.Get(p)
	}
	combined := stream.CombineLatest(sources)

	return stream.New(func(o stream.Observer[ManyResult[T, E]]) stream.CancelFunc {
		var (
			mu      sync.Mutex
			settled = make([]bool, len(paramsList))
			prev    *ManyResult[T, E]
		)

		sub := combined.Subscribe(stream.Observer[[]Result[T, E]]{
			Next: func(results []Result[T, E]) {
				mu.Lock()
				allSettled := true
				for i, r := range results {
					if !r.Loading {
						settled[i] = true
					}
					if !settled[i] {
						allSettled = false
					}
				}
				out := ManyResult[T, E]{
					Loading: !allSettled,
					Values:  []T{},
					Errors:  []E{},
				}
				for _, r := range results {
					if r.Value != nil {
						out.Values = append(out.Values, *r.Value)
					}
					if r.Err != nil {
						out.Errors = append(out.Errors, *r.Err)
					}
				}
				if prev != nil && prev.Loading == out.Loading &&
					reflect.DeepEqual(prev.Values, out.Values) &&
					reflect.DeepEqual(prev.Errors, out.Errors) {
					mu.Unlock()
					return
				}
				prev = &out
				mu.Unlock()
				o.Next(out)
			},
			Err:      o.Err,
			Complete: o.Complete,
		})

		return sub.Unsubscribe
	})
}
