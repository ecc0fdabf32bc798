package comparer

import "bytes"

// BasicComparer is a total order over keys.
type BasicComparer interface {
	Compare(a, b []byte) int
	Name() []byte
}

// Comparer additionally produces short keys for index blocks.
type Comparer interface {
	BasicComparer

	// Separator returns a key k with a <= k < b, preferring the shortest such
	// key. a is returned when no shorter separator exists.
	Separator(a, b []byte) []byte

	// Successor returns a key k with k >= a, preferring the shortest such key.
	Successor(a []byte) []byte

	// Prefix returns the longest common prefix of a and b.
	Prefix(a, b []byte) []byte
}

type BytesComparer struct{}

// DefaultComparer orders keys bytewise.
var DefaultComparer Comparer = BytesComparer{}

func (bc BytesComparer) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (bc BytesComparer) Name() []byte {
	return []byte("ckv.bytewise")
}

func (bc BytesComparer) Prefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func (bc BytesComparer) Separator(a, b []byte) []byte {
	i, n := 0, len(a)
	if len(b) < n {
		n = len(b)
	}
	for i < n && a[i] == b[i] {
		i++
	}
	if i >= n {
		// a is a prefix of b, can not shorten
		return a
	}
	if c := a[i]; c < 0xff && c+1 < b[i] {
		sep := append([]byte(nil), a[:i+1]...)
		sep[i]++
		return sep
	}
	return a
}

func (bc BytesComparer) Successor(a []byte) []byte {
	for i := 0; i < len(a); i++ {
		if a[i] != 0xff {
			succ := append([]byte(nil), a[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return a
}
