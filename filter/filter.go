package filter

import (
	"bytes"
	"encoding/binary"
	"math"
)

type IFilter interface {
	MayContains(filter, key []byte) bool
	NewGenerator() IFilterGenerator
	Name() string
}

type IFilterGenerator interface {
	AddKey(key []byte)
	Generate(b *bytes.Buffer)
}

type BloomFilter uint8

// NewBloomFilter builds a bloom policy using numBitsPerKey filter bits for
// every added key.
func NewBloomFilter(numBitsPerKey uint8) BloomFilter {
	if numBitsPerKey < 1 {
		numBitsPerKey = 1
	}
	if numBitsPerKey > 30 {
		numBitsPerKey = 30
	}
	return BloomFilter(numBitsPerKey)
}

// NewBloomFilterFromRate derives bits per key from a target false positive
// rate, bitsPerKey = -log2(p)/ln2 plus one bit of margin so the realized
// rate stays at or under the target.
func NewBloomFilterFromRate(falsePositiveRate float64) BloomFilter {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	bitsPerKey := math.Ceil(-math.Log2(falsePositiveRate)/math.Ln2) + 1
	if bitsPerKey > 30 {
		bitsPerKey = 30
	}
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return BloomFilter(uint8(bitsPerKey))
}

func (bf BloomFilter) NewGenerator() IFilterGenerator {
	k := uint8(bf) * 7 / 10 // bitsPerKey * ln2 hash functions, rounded up
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &BloomFilterGenerator{
		numBitsPerKey: uint8(bf),
		k:             k,
	}
}

func (bf BloomFilter) MayContains(filter, key []byte) bool {

	if len(filter) < 2 {
		return false
	}

	bloomData := filter[:len(filter)-1]
	numBits := uint32(len(bloomData)) * 8

	k := filter[len(filter)-1]
	if k > 30 {
		// reserved for future encodings, treat as a match
		return true
	}

	h := hash32(key)
	delta := h>>17 | h<<15
	for i := uint8(0); i < k; i++ {
		bitPos := h % numBits
		if bloomData[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func (bf BloomFilter) Name() string {
	return "bloomfilter"
}

type BloomFilterGenerator struct {
	k             uint8
	numBitsPerKey uint8
	keysHash      []uint32
}

func (bf *BloomFilterGenerator) AddKey(key []byte) {
	bf.keysHash = append(bf.keysHash, hash32(key))
}

// Generate appends the filter bits plus a trailing byte holding k, then
// resets the generator for the next filter.
func (bf *BloomFilterGenerator) Generate(b *bytes.Buffer) {
	n := len(bf.keysHash)

	numBits := n * int(bf.numBitsPerKey)
	if numBits < 64 {
		// tiny filters have outsized false positive rates
		numBits = 64
	}

	numBytes := (numBits + 7) / 8
	numBits = numBytes * 8

	data := make([]byte, numBytes)

	for _, h := range bf.keysHash {
		delta := h>>17 | h<<15
		for i := uint8(0); i < bf.k; i++ {
			bitPos := h % uint32(numBits)
			data[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}

	b.Write(data)
	b.WriteByte(bf.k)

	bf.keysHash = bf.keysHash[:0]
}

// hash32 is the leveldb bloom hash, allocation free and safe under
// concurrent readers. Its mixing keeps the rotate-delta probe sequence
// well distributed, a plain fnv base hash degrades the realized false
// positive rate.
func hash32(key []byte) uint32 {
	const (
		seed = uint32(0xbc9f1d34)
		m    = uint32(0xc6a4a793)
	)
	h := seed ^ uint32(len(key))*m
	i := 0
	for ; i+4 <= len(key); i += 4 {
		h += binary.LittleEndian.Uint32(key[i:])
		h *= m
		h ^= h >> 16
	}
	switch len(key) - i {
	case 3:
		h += uint32(key[i+2]) << 16
		fallthrough
	case 2:
		h += uint32(key[i+1]) << 8
		fallthrough
	case 1:
		h += uint32(key[i])
		h *= m
		h ^= h >> 24
	}
	return h
}

var DefaultFilter = NewBloomFilter(10)
