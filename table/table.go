package table

import (
	"encoding/binary"

	"github.com/ckvdb/ckv/utils"
)

/**
sstable layout

	/--------------------------------/
	|	        data block 0         |
	/--------------------------------/
	|		    data block n         |
	/--------------------------------/
	|	       filter block          |
	/--------------------------------/
	|	     meta index block        |   filter.<policy name> -> filter bh
	/--------------------------------/
	|	        index block          |   separator key -> data block bh
	/--------------------------------/
	|             footer             |
	/--------------------------------/

every block is followed by a 5 byte trailer

	/------/----------------/----------------------/
	| data | 4byte checksum | 1byte compression tag|
	/------/----------------/----------------------/

data block entry, keys share prefixes with the previous entry inside a
restart group

	/-----------/---------------/------/-------------/-------/
	| share klen| unshare klen  | vlen | unshare key | value |
	/-----------/---------------/------/-------------/-------/

the block body ends with the restart point offsets and their count

	| entries ... | rs offset 0 | ... | rs offset n-1 | rs nums |

footer, 48 bytes

	/-----------------------------/
	|      index block handle     |  up to 20 bytes (2 varints)
	|     meta index block handle |  up to 20 bytes (2 varints)
	|          padding            |
	|           magic             |  8 bytes
	/-----------------------------/
**/

const (
	kCompressionTypeNone   byte = 0
	kCompressionTypeSnappy byte = 1
)

const (
	kBlockTailLen   = 5
	kTableFooterLen = 48
)

var magicByte = []byte("\x57\xfb\x80\x8b\x24\x75\x47\xdb")

type blockHandle struct {
	offset uint64
	length uint64
}

func writeBH(dest []byte, bh blockHandle) []byte {
	dest = utils.EnsureBuffer(dest, binary.MaxVarintLen64*2)
	n1 := binary.PutUvarint(dest, bh.offset)
	n2 := binary.PutUvarint(dest[n1:], bh.length)
	return dest[:n1+n2]
}

func readBH(buf []byte) (bhLen int, bh blockHandle) {
	offset, n := binary.Uvarint(buf)
	length, m := binary.Uvarint(buf[n:])
	bhLen = n + m
	bh.offset = offset
	bh.length = length
	return
}
