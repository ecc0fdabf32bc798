package ckv

import (
	"encoding/binary"

	"github.com/ckvdb/ckv/comparer"
	"github.com/ckvdb/ckv/errors"
	"github.com/ckvdb/ckv/filter"
	"github.com/ckvdb/ckv/options"
)

type sequence uint64

type keyType uint8

const (
	keyTypeValue keyType = options.KTypeValue
	keyTypeDel   keyType = options.KTypeDel
	keyTypeSeek          = keyTypeValue
)

const kMaxSequence sequence = (1 << 56) - 1

// internalKey is ukey | 8 byte little endian trailer, trailer = seq<<8 | keytype.
// Ordering is ukey ascending, then seq descending, then key type descending,
// so the entry visible at a sequence is the first one at or after the seek key.
type internalKey []byte

const kInternalKeyTailLen = 8

func buildInternalKey(dst, ukey []byte, kt keyType, seq sequence) internalKey {
	dst = append(dst[:0], ukey...)
	var tail [kInternalKeyTailLen]byte
	binary.LittleEndian.PutUint64(tail[:], uint64(seq)<<8|uint64(kt))
	return append(dst, tail[:]...)
}

func (ik internalKey) userKey() []byte {
	return ik[:len(ik)-kInternalKeyTailLen]
}

func (ik internalKey) seq() sequence {
	tail := binary.LittleEndian.Uint64(ik[len(ik)-kInternalKeyTailLen:])
	return sequence(tail >> 8)
}

func (ik internalKey) keyType() keyType {
	tail := binary.LittleEndian.Uint64(ik[len(ik)-kInternalKeyTailLen:])
	return keyType(tail & 0xff)
}

func parseInternalKey(ik internalKey) (ukey []byte, kt keyType, seq sequence, err error) {
	if len(ik) < kInternalKeyTailLen {
		err = errors.NewErrCorruption("internal key too short")
		return
	}
	ukey = ik.userKey()
	tail := binary.LittleEndian.Uint64(ik[len(ik)-kInternalKeyTailLen:])
	kt = keyType(tail & 0xff)
	seq = sequence(tail >> 8)
	if kt != keyTypeValue && kt != keyTypeDel {
		err = errors.NewErrCorruption("internal key invalid key type")
	}
	return
}

// iComparer orders internal keys: user key ascending by the wrapped
// comparer, then trailer descending, so newer entries sort first.
type iComparer struct {
	ucmp comparer.Comparer
}

func (ic *iComparer) Compare(a, b []byte) int {
	ia, ib := internalKey(a), internalKey(b)
	if r := ic.ucmp.Compare(ia.userKey(), ib.userKey()); r != 0 {
		return r
	}
	ta := binary.LittleEndian.Uint64(a[len(a)-kInternalKeyTailLen:])
	tb := binary.LittleEndian.Uint64(b[len(b)-kInternalKeyTailLen:])
	if ta > tb {
		return -1
	} else if ta < tb {
		return 1
	}
	return 0
}

func (ic *iComparer) Name() []byte {
	return []byte("ckv.internal")
}

func (ic *iComparer) Separator(a, b []byte) []byte {
	ua, ub := internalKey(a).userKey(), internalKey(b).userKey()
	sep := ic.ucmp.Separator(ua, ub)
	if len(sep) < len(ua) && ic.ucmp.Compare(ua, sep) < 0 {
		// shorter physical key, still above every entry of ua
		return appendSeekTail(sep)
	}
	return a
}

func (ic *iComparer) Successor(a []byte) []byte {
	ua := internalKey(a).userKey()
	suc := ic.ucmp.Successor(ua)
	if len(suc) < len(ua) && ic.ucmp.Compare(ua, suc) < 0 {
		return appendSeekTail(suc)
	}
	return a
}

func (ic *iComparer) Prefix(a, b []byte) []byte {
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

func appendSeekTail(ukey []byte) []byte {
	var tail [kInternalKeyTailLen]byte
	binary.LittleEndian.PutUint64(tail[:], uint64(kMaxSequence)<<8|uint64(keyTypeSeek))
	return append(ukey, tail[:]...)
}

// iFilter feeds only the user key portion into the wrapped policy, so a
// point lookup probes with the same bytes the writer added.
type iFilter struct {
	filter.IFilter
}

func (f iFilter) MayContains(filterBlock, ikey []byte) bool {
	return f.IFilter.MayContains(filterBlock, internalKey(ikey).userKey())
}

func (f iFilter) NewGenerator() filter.IFilterGenerator {
	return iFilterGenerator{f.IFilter.NewGenerator()}
}

type iFilterGenerator struct {
	filter.IFilterGenerator
}

func (g iFilterGenerator) AddKey(ikey []byte) {
	g.IFilterGenerator.AddKey(internalKey(ikey).userKey())
}
