package capture

import (
	"sync"
	"sync/atomic"
)

// Buffer is a reference-counted handle to pooled storage. The holder of the
// last reference returns it to the pool by calling Release.
type Buffer[T any] struct {
	Data []T

	pool *BufferPool[T]
	refs atomic.Int32
}

// Resize sets len(Data) to n, growing the storage only when cap is too small.
func (b *Buffer[T]) Resize(n int) []T {
	if cap(b.Data) < n {
		b.Data = make([]T, n)
	}
	b.Data = b.Data[:n]
	return b.Data
}

// Retain adds a reference. Each Retain needs a matching Release.
func (b *Buffer[T]) Retain() *Buffer[T] {
	b.refs.Add(1)
	return b
}

// Release drops a reference and returns the buffer to its pool when it was
// the last one.
func (b *Buffer[T]) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.pool.put(b)
	case n < 0:
		panic("capture: buffer released more times than acquired")
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Acquired        uint64 // Acquire calls
	Released        uint64 // buffers returned to the free list
	Outstanding     int64  // handles currently out of the pool
	PeakOutstanding int64  // high-water mark of Outstanding
	Allocated       int    // buffers the pool has ever created
	Free            int    // buffers on the free list
}

// BufferPool hands out reusable buffers. Acquire never blocks: when the free
// list is empty a new buffer is created and joins the managed set, so the pool
// grows to the working-set high-water mark and never shrinks. Capacity is
// bounded by the task scheduler, not here.
type BufferPool[T any] struct {
	mu        sync.Mutex
	free      []*Buffer[T]
	allocated int

	acquired    atomic.Uint64
	released    atomic.Uint64
	outstanding atomic.Int64
	peak        atomic.Int64

	// OnAcquire and OnRelease, when set before first use, observe handles
	// leaving and re-entering the pool.
	OnAcquire func(*Buffer[T])
	OnRelease func(*Buffer[T])
}

// NewBufferPool creates an empty pool. prealloc buffers are created up front.
func NewBufferPool[T any](prealloc int) *BufferPool[T] {
	p := &BufferPool[T]{}
	for i := 0; i < prealloc; i++ {
		p.free = append(p.free, &Buffer[T]{pool: p})
	}
	p.allocated = prealloc
	return p
}

// Acquire returns a buffer holding one reference. Its contents are
// unspecified; callers Resize before use.
func (p *BufferPool[T]) Acquire() *Buffer[T] {
	p.mu.Lock()
	var b *Buffer[T]
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		b = &Buffer[T]{pool: p}
		p.allocated++
	}
	p.mu.Unlock()

	b.refs.Store(1)
	p.acquired.Add(1)
	out := p.outstanding.Add(1)
	for {
		peak := p.peak.Load()
		if out <= peak || p.peak.CompareAndSwap(peak, out) {
			break
		}
	}
	if p.OnAcquire != nil {
		p.OnAcquire(b)
	}
	return b
}

func (p *BufferPool[T]) put(b *Buffer[T]) {
	if p.OnRelease != nil {
		p.OnRelease(b)
	}
	p.released.Add(1)
	p.outstanding.Add(-1)

	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Outstanding returns the number of handles not yet returned.
func (p *BufferPool[T]) Outstanding() int64 {
	return p.outstanding.Load()
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool[T]) Stats() PoolStats {
	p.mu.Lock()
	allocated, free := p.allocated, len(p.free)
	p.mu.Unlock()
	return PoolStats{
		Acquired:        p.acquired.Load(),
		Released:        p.released.Load(),
		Outstanding:     p.outstanding.Load(),
		PeakOutstanding: p.peak.Load(),
		Allocated:       allocated,
		Free:            free,
	}
}
