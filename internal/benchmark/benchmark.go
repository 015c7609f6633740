// Package benchmark times repeated classifications and reports per-stage latency.
package benchmark

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/classify"
)

// MemoryStats is a subset of runtime.MemStats.
type MemoryStats struct {
	Alloc         uint64
	TotalAlloc    uint64
	Sys           uint64
	NumGC         uint32
	GCCPUFraction float64
}

// GetMemoryStats returns current memory statistics.
func GetMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		Alloc:         m.Alloc,
		TotalAlloc:    m.TotalAlloc,
		Sys:           m.Sys,
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
	}
}

func (m MemoryStats) String() string {
	return fmt.Sprintf("Alloc: %d KB, Total: %d KB, Sys: %d KB, GC: %d (%.2f%% CPU)",
		m.Alloc/1024, m.TotalAlloc/1024, m.Sys/1024, m.NumGC, m.GCCPUFraction*100)
}

// Func performs one iteration and reports its stage timings.
type Func func(ctx context.Context) (classify.Timing, error)

// Result aggregates the timed iterations of one benchmark.
type Result struct {
	Name         string
	Iterations   int // completed timed iterations
	Duration     time.Duration
	Stages       classify.Timing // summed over iterations
	MemoryBefore MemoryStats
	MemoryAfter  MemoryStats
	Error        error
}

// Avg returns the mean wall time per iteration.
func (r Result) Avg() time.Duration {
	if r.Iterations == 0 {
		return 0
	}
	return r.Duration / time.Duration(r.Iterations)
}

// AvgStages returns the mean stage timings per iteration.
func (r Result) AvgStages() classify.Timing {
	if r.Iterations == 0 {
		return classify.Timing{}
	}
	n := time.Duration(r.Iterations)
	return classify.Timing{
		Preprocess: r.Stages.Preprocess / n,
		Inference:  r.Stages.Inference / n,
		Select:     r.Stages.Select / n,
	}
}

// AllocDelta returns the bytes allocated during the run.
func (r Result) AllocDelta() uint64 {
	return r.MemoryAfter.TotalAlloc - r.MemoryBefore.TotalAlloc
}

func (r Result) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: ERROR - %v", r.Name, r.Error)
	}
	return fmt.Sprintf("%s: %d iterations, avg: %v, total: %v, alloc: %d KB",
		r.Name, r.Iterations, r.Avg(), r.Duration, r.AllocDelta()/1024)
}

type entry struct {
	name string
	fn   Func
}

// Suite runs named benchmarks in registration order.
type Suite struct {
	entries []entry
	results []Result
	mu      sync.Mutex
}

// NewSuite creates an empty suite.
func NewSuite() *Suite {
	return &Suite{}
}

// Add registers a benchmark.
func (s *Suite) Add(name string, fn Func) {
	s.entries = append(s.entries, entry{name: name, fn: fn})
}

// Len returns the number of registered benchmarks.
func (s *Suite) Len() int { return len(s.entries) }

// RunAll runs every benchmark with warmup untimed iterations followed by
// iterations timed ones. A failing iteration stops that benchmark only.
func (s *Suite) RunAll(ctx context.Context, warmup, iterations int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = make([]Result, 0, len(s.entries))
	for _, e := range s.entries {
		if err := ctx.Err(); err != nil {
			s.results = append(s.results, Result{Name: e.name, Error: err})
			continue
		}
		s.results = append(s.results, run(ctx, e, warmup, iterations))
	}
	return s.results
}

// Results returns the last run results.
func (s *Suite) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

func run(ctx context.Context, e entry, warmup, iterations int) Result {
	res := Result{Name: e.name}

	for range warmup {
		if _, err := e.fn(ctx); err != nil {
			res.Error = fmt.Errorf("warmup: %w", err)
			return res
		}
	}

	runtime.GC()
	res.MemoryBefore = GetMemoryStats()
	start := time.Now()
	for range iterations {
		t, err := e.fn(ctx)
		if err != nil {
			res.Error = err
			break
		}
		res.Iterations++
		res.Stages.Preprocess += t.Preprocess
		res.Stages.Inference += t.Inference
		res.Stages.Select += t.Select
	}
	res.Duration = time.Since(start)
	res.MemoryAfter = GetMemoryStats()
	return res
}

// WriteTable renders results as an aligned table.
func WriteTable(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tITER\tAVG\tPREPROCESS\tINFERENCE\tSELECT\tALLOC KB")
	for _, r := range results {
		if r.Error != nil {
			_, _ = fmt.Fprintf(tw, "%s\t%d\terror: %v\t\t\t\t\n", r.Name, r.Iterations, r.Error)
			continue
		}
		st := r.AvgStages()
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%d\n",
			r.Name, r.Iterations, r.Avg().Round(time.Microsecond),
			st.Preprocess.Round(time.Microsecond), st.Inference.Round(time.Microsecond),
			st.Select.Round(time.Microsecond), r.AllocDelta()/1024)
	}
	return tw.Flush()
}
