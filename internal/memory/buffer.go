package memory

import (
	"sync/atomic"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// lock states for Buffer.gpuLocked, driven by compare-and-swap so contention
// is reported rather than blocked on, per spec.
const (
	unlocked int32 = iota
	lockedForGPU
)

// Buffer is a mutable byte region handed across the CPU/GPU boundary. It is
// owned by exactly one job at a time between Pool.Allocate and Pool.Release;
// the GPU-lock flag provides single-writer exclusion across that boundary.
type Buffer struct {
	data      []byte
	size      int
	gpuLock   int32 // atomic: unlocked | lockedForGPU
	pinned    int32 // atomic bool
	capacity  int
	allocated int // bytes credited to Pool.allocatedBytes for this checkout; set only by Pool
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), capacity: capacity}
}

// Capacity returns the buffer's fixed backing size.
func (b *Buffer) Capacity() int { return b.capacity }

// Size returns the currently valid prefix length.
func (b *Buffer) Size() int { return b.size }

// Resize sets the valid prefix length; n must not exceed capacity.
func (b *Buffer) Resize(n int) error {
	if n > b.capacity {
		return dispatcherr.New(dispatcherr.KindCapacity, "resize exceeds capacity")
	}
	b.size = n
	return nil
}

// reset clears lock/pin state and zeroes the logical size; called by the
// pool before handing a reused buffer back out. Bytes are left as-is per
// spec (callers must write size bytes before any read).
func (b *Buffer) reset() {
	atomic.StoreInt32(&b.gpuLock, unlocked)
	atomic.StoreInt32(&b.pinned, 0)
	b.size = 0
}

// Write copies src into the buffer's backing storage and sets size to
// len(src). Fails if the buffer is GPU-locked or src overflows capacity.
func (b *Buffer) Write(src []byte) error {
	if atomic.LoadInt32(&b.gpuLock) == lockedForGPU {
		return dispatcherr.New(dispatcherr.KindConcurrency, "write while gpu-locked")
	}
	if len(src) > b.capacity {
		return dispatcherr.New(dispatcherr.KindCapacity, "write exceeds capacity")
	}
	copy(b.data, src)
	b.size = len(src)
	return nil
}

// Read snapshots the valid 0..size prefix as a fresh slice.
func (b *Buffer) Read() []byte {
	out := make([]byte, b.size)
	copy(out, b.data[:b.size])
	return out
}

// LockForGPU acquires exclusive GPU access via compare-and-swap, failing on
// a double-lock rather than blocking.
func (b *Buffer) LockForGPU() error {
	if !atomic.CompareAndSwapInt32(&b.gpuLock, unlocked, lockedForGPU) {
		return dispatcherr.New(dispatcherr.KindConcurrency, "buffer already gpu-locked")
	}
	return nil
}

// UnlockFromGPU releases GPU access, failing if it was not held.
func (b *Buffer) UnlockFromGPU() error {
	if !atomic.CompareAndSwapInt32(&b.gpuLock, lockedForGPU, unlocked) {
		return dispatcherr.New(dispatcherr.KindConcurrency, "buffer not gpu-locked")
	}
	return nil
}

// IsGPULocked reports the current lock state.
func (b *Buffer) IsGPULocked() bool {
	return atomic.LoadInt32(&b.gpuLock) == lockedForGPU
}

// Pin marks the buffer as non-relocatable, failing on a double-pin.
func (b *Buffer) Pin() error {
	if !atomic.CompareAndSwapInt32(&b.pinned, 0, 1) {
		return dispatcherr.New(dispatcherr.KindConcurrency, "buffer already pinned")
	}
	return nil
}

// Unpin releases a pin, failing if it was not held.
func (b *Buffer) Unpin() error {
	if !atomic.CompareAndSwapInt32(&b.pinned, 1, 0) {
		return dispatcherr.New(dispatcherr.KindConcurrency, "buffer not pinned")
	}
	return nil
}

// IsPinned reports the current pin state.
func (b *Buffer) IsPinned() bool {
	return atomic.LoadInt32(&b.pinned) == 1
}
