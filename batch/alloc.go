package batch

import (
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// limitedAllocator caps the bytes a decode holds at once. Forged length
// fields make the IPC reader ask for more than the input justifies; the
// allocator panics instead of allocating, and Guard turns that panic into a
// malformed DecodeError.
type limitedAllocator struct {
	inner  memory.Allocator
	budget int64
	live   atomic.Int64
}

// NewLimitedAllocator wraps inner so that more than budget live bytes can
// never be allocated through it. Readers using it must run under Guard.
func NewLimitedAllocator(inner memory.Allocator, budget int64) memory.Allocator {
	if inner == nil {
		inner = memory.DefaultAllocator
	}
	return &limitedAllocator{inner: inner, budget: budget}
}

func (a *limitedAllocator) charge(size int) {
	if size < 0 {
		panic(fmt.Errorf("%w: negative size %d", errBudgetExceeded, size))
	}
	if live := a.live.Add(int64(size)); live > a.budget {
		a.live.Add(-int64(size))
		panic(fmt.Errorf("%w: %d bytes requested, budget %d", errBudgetExceeded, live, a.budget))
	}
}

func (a *limitedAllocator) credit(size int) {
	if a.live.Add(-int64(size)) < 0 {
		a.live.Store(0)
	}
}

func (a *limitedAllocator) Allocate(size int) []byte {
	a.charge(size)
	return a.inner.Allocate(size)
}

func (a *limitedAllocator) Reallocate(size int, b []byte) []byte {
	if grow := size - len(b); grow > 0 {
		a.charge(grow)
	} else {
		a.credit(-grow)
	}
	return a.inner.Reallocate(size, b)
}

func (a *limitedAllocator) Free(b []byte) {
	a.credit(len(b))
	a.inner.Free(b)
}
