package utils

import (
	"sync"
)

func AssertMutexHeld(mutex *sync.RWMutex) {}

func Assert(condition bool, msg ...string) {
	if !condition {
		panic(msg)
	}
}

// EnsureBuffer returns dst resized to size, reallocating when capacity is short.
func EnsureBuffer(dst []byte, size int) []byte {
	if cap(dst) < size {
		return make([]byte, size)
	}
	return dst[:size]
}
