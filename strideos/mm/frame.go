// Package mm simulates physical frames and per-task address spaces for the
// hosted kernel.
package mm

import (
	"errors"
	"sync"
)

// PageSize is the size of one page and one physical frame.
const PageSize = 4096

var (
	ErrOutOfMemory = errors.New("out of physical frames")
	ErrFault       = errors.New("address not mapped for user access")
	ErrReleased    = errors.New("address space released")
	ErrOverlap     = errors.New("area overlaps an existing mapping")
	ErrRange       = errors.New("invalid address range")
)

// PPN is a physical page number.
type PPN uint64

// Frame is one physical page.
type Frame struct {
	PPN  PPN
	Data [PageSize]byte
}

// FrameAllocator hands out frames from a fixed pool, recycling freed ones
// first.
type FrameAllocator struct {
	mu       sync.Mutex
	next     PPN
	end      PPN
	recycled []PPN
	inUse    int
}

// NewFrameAllocator creates a pool of n frames.
func NewFrameAllocator(n int) *FrameAllocator {
	if n < 0 {
		n = 0
	}
	// PPN 0 is never handed out so a zero token means "no page table".
	return &FrameAllocator{next: 1, end: PPN(n) + 1}
}

// Alloc returns a zeroed frame.
func (a *FrameAllocator) Alloc() (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ppn PPN
	switch {
	case len(a.recycled) > 0:
		ppn = a.recycled[len(a.recycled)-1]
		a.recycled = a.recycled[:len(a.recycled)-1]
	case a.next < a.end:
		ppn = a.next
		a.next++
	default:
		return nil, ErrOutOfMemory
	}
	a.inUse++
	return &Frame{PPN: ppn}, nil
}

// Dealloc returns f to the pool.
func (a *FrameAllocator) Dealloc(f *Frame) {
	if f == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycled = append(a.recycled, f.PPN)
	a.inUse--
}

// InUse returns the number of frames currently allocated.
func (a *FrameAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Free returns the number of frames still available.
func (a *FrameAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.end-a.next) + len(a.recycled)
}
