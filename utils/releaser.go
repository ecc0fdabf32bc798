package utils

import (
	"sync"
	"sync/atomic"
)

type Releaser interface {
	Ref() int32
	UnRef() int32
}

// BasicReleaser is an embeddable reference counter. OnClose and registered
// cleanups run once, when the count drops back to zero.
type BasicReleaser struct {
	ref      int32
	released uint32

	OnClose func()

	mu       sync.Mutex
	cleanups []func()
}

func (r *BasicReleaser) Ref() int32 {
	return atomic.AddInt32(&r.ref, 1)
}

func (r *BasicReleaser) UnRef() int32 {
	ref := atomic.AddInt32(&r.ref, -1)
	if ref < 0 {
		panic("ckv/utils: duplicated UnRef")
	}
	if ref == 0 {
		atomic.StoreUint32(&r.released, 1)
		if r.OnClose != nil {
			r.OnClose()
		}
		r.mu.Lock()
		cleanups := r.cleanups
		r.cleanups = nil
		r.mu.Unlock()
		for _, f := range cleanups {
			f()
		}
	}
	return ref
}

func (r *BasicReleaser) Released() bool {
	return atomic.LoadUint32(&r.released) == 1
}

func (r *BasicReleaser) RegisterCleanUp(f func()) {
	r.mu.Lock()
	r.cleanups = append(r.cleanups, f)
	r.mu.Unlock()
}
