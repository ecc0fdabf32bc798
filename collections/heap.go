package collections

type HeapLess func(data []interface{}, i, j int) bool

// Heap is a binary heap over an array, slot 0 unused so the children of
// node k sit at 2k and 2k+1.
type Heap struct {
	data      []interface{}
	tailIndex int
	Less      HeapLess
}

func InitHeap(hl HeapLess) *Heap {
	h := new(Heap)
	h.Less = hl
	h.data = make([]interface{}, 1)
	return h
}

func (h *Heap) Clear() {
	h.data = h.data[:1]
	h.tailIndex = 0
}

func (h *Heap) Len() int {
	return h.tailIndex
}

func (h *Heap) Push(data interface{}) {
	h.data = append(h.data, data)
	h.tailIndex++
	h.swim()
}

func (h *Heap) Pop() interface{} {

	if h.tailIndex <= 0 {
		return nil
	}

	data := h.data[1]

	if h.tailIndex == 1 {
		h.data = h.data[:1]
		h.tailIndex--
		return data
	}

	h.swap(1, h.tailIndex)
	h.data = h.data[:h.tailIndex]
	h.tailIndex--
	h.sink()

	return data
}

func (h *Heap) swap(i, j int) {
	h.data[j], h.data[i] = h.data[i], h.data[j]
}

// last up to first
func (h *Heap) swim() {
	for n, k := h.tailIndex, h.tailIndex>>1; k >= 1; {
		if h.Less(h.data, n, k) {
			h.swap(n, k)
			n = k
			k >>= 1
		} else {
			break
		}
	}
}

// first down to last
func (h *Heap) sink() {
	for n, k := 1, 2; k <= h.tailIndex; {
		if k+1 <= h.tailIndex && h.Less(h.data, k+1, k) {
			k++
		}
		if h.Less(h.data, k, n) {
			h.swap(n, k)
			n = k
			k <<= 1
		} else {
			break
		}
	}
}
