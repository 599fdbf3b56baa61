// Package memory implements the zero-copy buffer pool that amortizes byte
// buffer allocation across jobs and enforces the CPU/GPU exclusive-access
// invariants on each buffer (spec.md §4.1).
package memory

import (
	"sync/atomic"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// freeNode is one entry of the lock-free free list, a Treiber stack: push
// and pop are both a single CAS on head, giving wait-free removal under
// contention without a mutex on the hot allocate/release path.
type freeNode struct {
	buf  *Buffer
	next *freeNode
}

// Pool owns a set of Buffers and a lock-free free list. allocatedBytes is a
// best-effort atomic counter, not a hard gate: spec.md §5 calls it "monotonic
// best-effort", tolerating one buffer's slack under concurrent over-commit.
type Pool struct {
	totalBytes     int64
	allocatedBytes int64
	free           atomic.Pointer[freeNode]
}

// NewPool creates a pool with the given total byte budget.
func NewPool(totalBytes int64) *Pool {
	return &Pool{totalBytes: totalBytes}
}

// TotalBytes returns the pool's fixed capacity.
func (p *Pool) TotalBytes() int64 { return p.totalBytes }

// AllocatedBytes returns the current best-effort allocation counter.
func (p *Pool) AllocatedBytes() int64 { return atomic.LoadInt64(&p.allocatedBytes) }

// Allocate returns a buffer with capacity >= size, reused from the free list
// when possible, reset and sized to the request. Fails with a CapacityError
// (KindCapacity) when no free buffer fits and the pool has no remaining
// headroom for a fresh one.
func (p *Pool) Allocate(size int) (*Buffer, error) {
	if buf := p.popFit(size); buf != nil {
		atomic.AddInt64(&p.allocatedBytes, int64(size))
		buf.reset()
		buf.size = size
		buf.allocated = size
		return buf, nil
	}

	if atomic.AddInt64(&p.allocatedBytes, int64(size)) > p.totalBytes {
		atomic.AddInt64(&p.allocatedBytes, -int64(size))
		return nil, dispatcherr.New(dispatcherr.KindCapacity, "pool exhausted")
	}

	buf := newBuffer(size)
	buf.size = size
	buf.allocated = size
	return buf, nil
}

// popFit scans the free list for the first buffer whose capacity fits size,
// splicing it out of the stack. Buffers that don't fit are pushed back in
// their original relative order once the scan completes.
func (p *Pool) popFit(size int) *Buffer {
	var skipped []*Buffer
	for {
		head := p.free.Load()
		if head == nil {
			break
		}
		if !p.free.CompareAndSwap(head, head.next) {
			continue
		}
		if head.buf.Capacity() >= size {
			for i := len(skipped) - 1; i >= 0; i-- {
				p.pushFree(skipped[i])
			}
			return head.buf
		}
		skipped = append(skipped, head.buf)
	}
	for i := len(skipped) - 1; i >= 0; i-- {
		p.pushFree(skipped[i])
	}
	return nil
}

func (p *Pool) pushFree(buf *Buffer) {
	node := &freeNode{buf: buf}
	for {
		head := p.free.Load()
		node.next = head
		if p.free.CompareAndSwap(head, node) {
			return
		}
	}
}

// Release marks a buffer free and pushes it back onto the free list. Bytes
// are not zeroed, per spec; the next Allocate caller must write size bytes
// before any read.
func (p *Pool) Release(buf *Buffer) {
	atomic.AddInt64(&p.allocatedBytes, -int64(buf.allocated))
	buf.allocated = 0
	p.pushFree(buf)
}

// Clear drains the free list and resets the allocation counter. Buffers
// still checked out by callers are not affected (they are simply dropped
// from the pool's bookkeeping once released).
func (p *Pool) Clear() {
	for {
		head := p.free.Load()
		if head == nil {
			break
		}
		if p.free.CompareAndSwap(head, nil) {
			break
		}
	}
	atomic.StoreInt64(&p.allocatedBytes, 0)
}
