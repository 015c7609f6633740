package batch

import (
	"context"
	"runtime"
	"sync"
)

// Run calls fn for every item on up to workers goroutines and returns the
// results in input order. workers <= 0 uses GOMAXPROCS. Items not started
// before ctx is cancelled are passed to fn with the cancelled context.
func Run[In, Out any](ctx context.Context, items []In, workers int, fn func(context.Context, In) Out) []Out {
	out := make([]Out, len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(items))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = fn(ctx, items[i])
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}
