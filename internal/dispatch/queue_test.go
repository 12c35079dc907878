package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestChunk_CoversEveryIndexOnce(t *testing.T) {
	for _, tc := range []struct{ n, workers int }{{0, 3}, {1, 4}, {7, 3}, {12, 4}, {5, 8}} {
		seen := make([]int, tc.n)
		for slot := 0; slot < tc.workers; slot++ {
			lo, hi := chunk(tc.n, tc.workers, slot)
			if hi-lo > tc.n/tc.workers+1 {
				t.Fatalf("n=%d workers=%d slot=%d: uneven range [%d,%d)", tc.n, tc.workers, slot, lo, hi)
			}
			for i := lo; i < hi; i++ {
				seen[i]++
			}
		}
		for i, c := range seen {
			if c != 1 {
				t.Fatalf("n=%d workers=%d: index %d ran %d times", tc.n, tc.workers, i, c)
			}
		}
	}
}

func TestEvaluate_RunsEveryJob(t *testing.T) {
	q := New(Options{Workers: 4})
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer q.Decommission()

	var counter atomic.Int64
	for round := 0; round < 50; round++ {
		jobs := make([]Job, 37)
		for i := range jobs {
			jobs[i] = func() { counter.Add(1) }
		}
		q.Evaluate(jobs)
		if got, want := counter.Load(), int64(37*(round+1)); got != want {
			t.Fatalf("round %d: got %d want %d", round, got, want)
		}
	}
}

func TestEvaluate_PlainWritesVisibleOnReturn(t *testing.T) {
	q := New(Options{Workers: 4})
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer q.Decommission()

	for round := 0; round < 20; round++ {
		out := make([]int, 101)
		jobs := make([]Job, len(out))
		for i := range jobs {
			jobs[i] = func() { out[i] = i + round }
		}
		q.Evaluate(jobs)
		for i, v := range out {
			if v != i+round {
				t.Fatalf("round %d: out[%d] = %d", round, i, v)
			}
		}
	}
}

func TestEvaluate_ConcurrentCallersAreSerialised(t *testing.T) {
	q := New(Options{Workers: 3})
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer q.Close()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs := make([]Job, 10)
			for i := range jobs {
				jobs[i] = func() {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
			q.Evaluate(jobs)
		}()
	}
	wg.Wait()
	if total != 80 {
		t.Fatalf("total: got %d want 80", total)
	}
}

func TestEvaluate_InlineBeforeSpawnAndAfterDecommission(t *testing.T) {
	q := New(Options{Workers: 2})
	n := 0
	q.Evaluate([]Job{func() { n++ }, func() { n++ }})
	if n != 2 {
		t.Fatalf("before spawn: got %d", n)
	}
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	q.Decommission()
	q.Decommission()
	q.Evaluate([]Job{func() { n++ }})
	if n != 3 {
		t.Fatalf("after decommission: got %d", n)
	}
	if err := q.Spawn(); !errors.Is(err, ErrDecommissioned) {
		t.Fatalf("spawn after decommission: %v", err)
	}
}

func TestEvaluate_PanickingJobDoesNotHang(t *testing.T) {
	q := New(Options{Workers: 2})
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer q.Decommission()

	var ran atomic.Int64
	q.Evaluate([]Job{
		func() { panic("boom") },
		func() { ran.Add(1) },
		func() { ran.Add(1) },
	})
	if ran.Load() != 2 {
		t.Fatalf("sibling jobs: got %d", ran.Load())
	}
	if st := q.Stats(); st.Panics != 1 || st.Jobs != 2 || st.Batches != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSpawn_Hooks(t *testing.T) {
	var mu sync.Mutex
	started := map[int]bool{}
	stopped := map[int]bool{}
	q := New(Options{
		Workers: 4,
		Hooks: ThreadHooks{
			OnStart: func(w int) error {
				if w == 2 {
					return errors.New("no slot")
				}
				mu.Lock()
				started[w] = true
				mu.Unlock()
				return nil
			},
			OnStop: func(w int) {
				mu.Lock()
				stopped[w] = true
				mu.Unlock()
			},
		},
	})
	if err := q.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if q.Workers() != 3 {
		t.Fatalf("workers: got %d want 3", q.Workers())
	}

	var counter atomic.Int64
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = func() { counter.Add(1) }
	}
	q.Evaluate(jobs)
	if counter.Load() != 10 {
		t.Fatalf("jobs: got %d", counter.Load())
	}

	q.Decommission()
	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 || len(stopped) != 3 || stopped[2] {
		t.Fatalf("hooks: started=%v stopped=%v", started, stopped)
	}
}

func TestSpawn_AllHooksFail(t *testing.T) {
	q := New(Options{Workers: 2, Hooks: ThreadHooks{OnStart: func(int) error { return errors.New("nope") }}})
	if err := q.Spawn(); err == nil {
		t.Fatalf("expected an error when no worker starts")
	}
	n := 0
	q.Evaluate([]Job{func() { n++ }})
	if n != 1 {
		t.Fatalf("inline fallback: got %d", n)
	}
}
