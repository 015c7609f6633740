// Package mempool recycles the float32 buffers that back input tensors.
package mempool

import (
	"sync"
	"sync/atomic"
)

const step = 1024

var (
	float32Pools sync.Map // size class -> *sync.Pool

	gets   atomic.Int64
	puts   atomic.Int64
	misses atomic.Int64
)

// Stats counts pool traffic since process start.
type Stats struct {
	Gets   int64
	Puts   int64
	Misses int64 // Gets that had to allocate
}

// sizeClass rounds n up to the next multiple of 1024, minimum 1024.
func sizeClass(n int) int {
	if n <= step {
		return step
	}
	return (n + step - 1) / step * step
}

func poolFor(cls int) *sync.Pool {
	pAny, _ := float32Pools.LoadOrStore(cls, &sync.Pool{})
	return pAny.(*sync.Pool) //nolint:forcetypeassert // only *sync.Pool is stored
}

// GetFloat32 returns a buffer of length n. Contents are unspecified; callers
// must overwrite every element. Return it with PutFloat32 once no reader holds it.
func GetFloat32(n int) []float32 {
	if n < 0 {
		n = 0
	}
	gets.Add(1)
	cls := sizeClass(n)
	if v := poolFor(cls).Get(); v != nil {
		if buf, ok := v.(*[]float32); ok && cap(*buf) >= cls {
			return (*buf)[:n]
		}
	}
	misses.Add(1)
	return make([]float32, cls)[:n]
}

// PutFloat32 returns buf to its size class. Nil and undersized slices are dropped.
func PutFloat32(buf []float32) {
	if buf == nil {
		return
	}
	cls := sizeClass(cap(buf))
	if cap(buf) < cls {
		return
	}
	puts.Add(1)
	full := buf[:cap(buf)]
	poolFor(cls).Put(&full)
}

// ReadStats returns the current counters.
func ReadStats() Stats {
	return Stats{Gets: gets.Load(), Puts: puts.Load(), Misses: misses.Load()}
}
