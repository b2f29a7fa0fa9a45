package rxstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rxstore/stream"
)

// countingFetcher is a fetch fake whose behavior is supplied per call.
type countingFetcher[T any] struct {
	mu    sync.Mutex
	calls int
	serve func(call int, params string) (T, error)
}

func (f *countingFetcher[T]) fetch(params string, _ any) stream.Stream[T] {
	return stream.New(func(o stream.Observer[T]) stream.CancelFunc {
		f.mu.Lock()
		f.calls++
		call := f.calls
		f.mu.Unlock()

		v, err := f.serve(call, params)
		if err != nil {
			o.Err(err)
		} else {
			o.Next(v)
			o.Complete()
		}
		return nil
	})
}

func (f *countingFetcher[T]) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type results[T any] struct {
	mu   sync.Mutex
	list []Result[T, string]
}

func (r *results[T]) observer() stream.Observer[Result[T, string]] {
	return stream.Observer[Result[T, string]]{
		Next: func(res Result[T, string]) {
			r.mu.Lock()
			r.list = append(r.list, res)
			r.mu.Unlock()
		},
	}
}

func (r *results[T]) all() []Result[T, string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result[T, string], len(r.list))
	copy(out, r.list)
	return out
}

func (r *results[T]) last() Result[T, string] {
	all := r.all()
	if len(all) == 0 {
		return Result[T, string]{}
	}
	return all[len(all)-1]
}

func parseErr(err error) string { return err.Error() }

func newTestStore(t *testing.T, f *countingFetcher[int], opts Options[string, int, string]) *Store[string, int, string] {
	t.Helper()
	if opts.ParseError == nil {
		opts.ParseError = parseErr
	}
	s, err := New[string, int, string](f.fetch, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGet_ReturnsIdenticalStreamInstance(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 1, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	if s.Get("k") != s.Get("k") {
		t.Fatal("Get returned different stream instances for the same key")
	}
	if s.Get("k") == s.Get("other") {
		t.Fatal("distinct keys share a stream instance")
	}
}

func TestGet_NoFetchBeforeSubscription(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 1, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	s.Get("k")
	if f.count() != 0 {
		t.Fatalf("fetch ran before any subscription: %d calls", f.count())
	}
}

func TestGet_ConcurrentObserversShareOneFetch(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 7, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r1, r2 results[int]
	s.Get("k").Subscribe(r1.observer())
	s.Get("k").Subscribe(r2.observer())

	if f.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.count())
	}
	if got := r1.last(); got.Loading || got.Value == nil || *got.Value != 7 {
		t.Fatalf("r1 last = %+v", got)
	}
	if got := r2.last(); got.Value == nil || *got.Value != 7 {
		t.Fatalf("r2 last = %+v (late observer should replay)", got)
	}
}

func TestGet_LoadingFramePrecedesValue(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 3, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())

	all := r.all()
	if len(all) != 2 {
		t.Fatalf("emissions = %d, want 2 (loading then value)", len(all))
	}
	if !all[0].Loading || all[0].Err != nil {
		t.Errorf("first frame = %+v, want loading", all[0])
	}
	if all[1].Loading || all[1].Value == nil || *all[1].Value != 3 {
		t.Errorf("second frame = %+v, want value 3", all[1])
	}
}

func TestGetWith_ForceTriggersExactlyOneMoreFetch(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())
	if f.count() != 1 {
		t.Fatalf("calls = %d, want 1", f.count())
	}

	s.GetWith("k", GetOptions{Force: true})
	if f.count() != 2 {
		t.Fatalf("calls after force = %d, want 2", f.count())
	}

	// The refetch shows the stale value while loading, then the new one.
	all := r.all()
	n := len(all)
	if n < 4 {
		t.Fatalf("emissions = %d, want 4", n)
	}
	if !all[n-2].Loading || all[n-2].Value == nil || *all[n-2].Value != 1 {
		t.Errorf("loading frame = %+v, want stale value 1", all[n-2])
	}
	if all[n-1].Loading || *all[n-1].Value != 2 {
		t.Errorf("final frame = %+v, want value 2", all[n-1])
	}
}

func TestGet_WithoutForceDoesNotRefetch(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 1, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())
	s.Get("k")
	s.Get("k").Subscribe(r.observer())

	if f.count() != 1 {
		t.Fatalf("calls = %d, want 1", f.count())
	}
}

func TestSetLocalValue_ServesWithoutFetching(t *testing.T) {
	f := &countingFetcher[int]{serve: func(_ int, _ string) (int, error) { return 1, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	s.SetLocalValue("k", 42)

	var r results[int]
	s.Get("k").Subscribe(r.observer())

	all := r.all()
	if len(all) != 1 {
		t.Fatalf("emissions = %d, want 1", len(all))
	}
	if got := all[0]; got.Loading || got.Value == nil || *got.Value != 42 || got.Err != nil {
		t.Fatalf("emission = %+v, want settled 42", got)
	}
	if f.count() != 0 {
		t.Errorf("fetch calls = %d, want 0", f.count())
	}
}

func TestFailedFetch_RetriesOnNextGet(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) {
		if call == 1 {
			return 0, errors.New("backend down")
		}
		return 5, nil
	}}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())

	if got := r.last(); got.Err == nil || *got.Err != "backend down" {
		t.Fatalf("last = %+v, want parsed error", got)
	}

	// A plain Get (no force) must retry after a failure.
	s.Get("k")
	if f.count() != 2 {
		t.Fatalf("calls = %d, want 2", f.count())
	}
	if got := r.last(); got.Err != nil || got.Value == nil || *got.Value != 5 {
		t.Fatalf("last after retry = %+v, want value 5", got)
	}
}

func TestError_DoesNotTerminateEntryStream(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) {
		return 0, fmt.Errorf("failure %d", call)
	}}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())
	s.GetWith("k", GetOptions{Force: true})

	errs := 0
	for _, res := range r.all() {
		if res.Err != nil {
			errs++
		}
	}
	if errs != 2 {
		t.Fatalf("observed errors = %d, want 2 (stream stays live after failure)", errs)
	}
}

func TestErroredResult_CarriesPreviousValue(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) {
		if call == 1 {
			return 9, nil
		}
		return 0, errors.New("flaky")
	}}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	s.Get("k").Subscribe(r.observer())
	s.GetWith("k", GetOptions{Force: true})

	got := r.last()
	if got.Err == nil || got.Value == nil || *got.Value != 9 {
		t.Fatalf("last = %+v, want error with stale value 9", got)
	}
}

func TestInvalidateWhere_RefetchesOnlyMatching(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var rx, ry results[int]
	s.Get("x").Subscribe(rx.observer())
	s.Get("y").Subscribe(ry.observer())
	if f.count() != 2 {
		t.Fatalf("calls = %d, want 2", f.count())
	}

	s.InvalidateWhere(func(p string) bool { return p == "x" })

	if f.count() != 3 {
		t.Fatalf("calls = %d, want 3 (only x refetched)", f.count())
	}
	if got := ry.last(); got.Loading {
		t.Errorf("y re-entered loading: %+v", got)
	}
}

func TestInvalidateAll_IdleEntriesRefetchLazily(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	var r results[int]
	sub := s.Get("k").Subscribe(r.observer())
	sub.Unsubscribe()
	if f.count() != 1 {
		t.Fatalf("calls = %d, want 1", f.count())
	}

	s.InvalidateAll()
	if f.count() != 1 {
		t.Fatalf("idle entry fetched eagerly: calls = %d", f.count())
	}

	var r2 results[int]
	s.Get("k").Subscribe(r2.observer())
	if f.count() != 2 {
		t.Fatalf("calls = %d, want 2 (refetch on next subscription)", f.count())
	}
}

func TestLiveSource_PassesEveryEmissionThrough(t *testing.T) {
	src := stream.NewSubject[int]()
	fetch := func(_ string, _ any) stream.Stream[int] { return src }
	s, err := New[string, int, string](fetch, Options[string, int, string]{ParseError: parseErr}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var r1 results[int]
	s.Get("k").Subscribe(r1.observer())
	src.Next(1)
	src.Next(2)

	var r2 results[int]
	s.Get("k").Subscribe(r2.observer())
	src.Next(3)

	vals := func(r *results[int]) []int {
		var out []int
		for _, res := range r.all() {
			if !res.Loading && res.Value != nil {
				out = append(out, *res.Value)
			}
		}
		return out
	}

	if got := vals(&r1); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("r1 values = %v, want [1 2 3]", got)
	}
	// The late observer replays the latest value, then sees live updates.
	if got := vals(&r2); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("r2 values = %v, want [2 3]", got)
	}
}

func TestEviction_RemovesEntryAfterTTL(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{TTL: 30 * time.Millisecond})

	sub := s.Get("k").Subscribe(stream.Observer[Result[int, string]]{})
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	sub.Unsubscribe()

	time.Sleep(80 * time.Millisecond)
	if s.Len() != 0 {
		t.Fatalf("entry not evicted after TTL")
	}

	// Rebuild from scratch: fetches again on subscription.
	var r results[int]
	s.Get("k").Subscribe(r.observer())
	if f.count() != 2 {
		t.Fatalf("calls = %d, want 2", f.count())
	}
}

func TestEviction_CancelledByResubscribe(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{TTL: 60 * time.Millisecond})

	sub := s.Get("k").Subscribe(stream.Observer[Result[int, string]]{})
	sub.Unsubscribe()

	time.Sleep(20 * time.Millisecond)
	keep := s.Get("k").Subscribe(stream.Observer[Result[int, string]]{})
	defer keep.Unsubscribe()

	time.Sleep(100 * time.Millisecond)
	if s.Len() != 1 {
		t.Fatalf("entry evicted despite live observer")
	}
	if f.count() != 1 {
		t.Fatalf("calls = %d, want 1 (cached value kept)", f.count())
	}
}

func TestNoTTL_EntrySurvivesZeroObservers(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	sub := s.Get("k").Subscribe(stream.Observer[Result[int, string]]{})
	sub.Unsubscribe()

	time.Sleep(30 * time.Millisecond)
	if s.Len() != 1 {
		t.Fatalf("entry dropped without TTL")
	}

	// Cached value served without a second fetch.
	var r results[int]
	s.Get("k").Subscribe(r.observer())
	if f.count() != 1 {
		t.Fatalf("calls = %d, want 1", f.count())
	}
	if got := r.last(); got.Value == nil || *got.Value != 1 {
		t.Fatalf("last = %+v, want cached 1", got)
	}
}

func TestMaxIdleEntries_BoundsIdleSet(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{MaxIdleEntries: 2})

	for _, k := range []string{"a", "b", "c"} {
		sub := s.Get(k).Subscribe(stream.Observer[Result[int, string]]{})
		sub.Unsubscribe()
	}

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (oldest idle entry dropped)", s.Len())
	}
}

func TestMaxIdleEntries_LiveEntriesNeverDropped(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{MaxIdleEntries: 1})

	keep := s.Get("live").Subscribe(stream.Observer[Result[int, string]]{})
	defer keep.Unsubscribe()

	for _, k := range []string{"a", "b"} {
		sub := s.Get(k).Subscribe(stream.Observer[Result[int, string]]{})
		sub.Unsubscribe()
	}

	// live entry stays; only one idle entry may remain.
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if f.count() != 3 {
		t.Fatalf("calls = %d, want 3", f.count())
	}
	var r results[int]
	s.Get("live").Subscribe(r.observer())
	if f.count() != 3 {
		t.Fatalf("live entry was dropped: calls = %d", f.count())
	}
}

func TestClear_DropsAllEntries(t *testing.T) {
	f := &countingFetcher[int]{serve: func(call int, _ string) (int, error) { return call, nil }}
	s := newTestStore(t, f, Options[string, int, string]{})

	s.Get("a").Subscribe(stream.Observer[Result[int, string]]{})
	s.Get("b")
	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}

	s.Get("a").Subscribe(stream.Observer[Result[int, string]]{})
	if f.count() != 2 {
		t.Fatalf("calls = %d, want 2 (rebuilt after clear)", f.count())
	}
}

func TestGetWith_ExtraReachesFetcher(t *testing.T) {
	var seen []any
	fetch := func(_ string, extra any) stream.Stream[int] {
		seen = append(seen, extra)
		return stream.Of(1)
	}
	s, err := New[string, int, string](fetch, Options[string, int, string]{ParseError: parseErr}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.GetWith("k", GetOptions{Extra: "token"}).Subscribe(stream.Observer[Result[int, string]]{})

	if len(seen) != 1 || seen[0] != "token" {
		t.Fatalf("extras = %v, want [token]", seen)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New[string, int, string](nil, Options[string, int, string]{ParseError: parseErr}, zerolog.Nop()); err == nil {
		t.Error("nil fetch accepted")
	}
	fetch := func(string, any) stream.Stream[int] { return stream.Of(1) }
	if _, err := New[string, int, string](fetch, Options[string, int, string]{}, zerolog.Nop()); err == nil {
		t.Error("missing ParseError accepted")
	}
}
