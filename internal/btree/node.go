package btree

import (
	"encoding/binary"
	"os"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

const (
	// NodeSize is the fixed on-disk node size.
	NodeSize = 4096
	// FileHeaderSize is the index file header: magic "BTIX" (4), root offset
	// (8), node count (8), unique flag (1), key column count (4), padding.
	FileHeaderSize = 64

	// nodeHeaderSize: leaf flag (1), key count (4), next leaf (8),
	// keys-region length (4), values-region length (4).
	nodeHeaderSize = 21

	// NilOffset is the next-leaf sentinel for the last leaf and all internal
	// nodes.
	NilOffset int64 = -1
)

// node is one fixed-size B-tree node. Leaves carry tids beside each key and
// chain to the next leaf; internals carry key count + 1 child offsets.
type node struct {
	fileOffset int64
	leaf       bool
	keys       []Key
	tids       []types.TupleID // leaf values
	children   []int64         // internal child offsets
	nextLeaf   int64
}

func newLeaf(offset int64) *node {
	return &node{fileOffset: offset, leaf: true, nextLeaf: NilOffset}
}

func newInternal(offset int64) *node {
	return &node{fileOffset: offset, leaf: false, nextLeaf: NilOffset}
}

// serialize encodes the node into exactly NodeSize bytes.
func (n *node) serialize() ([]byte, error) {
	var keysRegion []byte
	for _, k := range n.keys {
		keysRegion = appendKey(keysRegion, k)
	}

	var valsRegion []byte
	if n.leaf {
		for _, tid := range n.tids {
			valsRegion = binary.LittleEndian.AppendUint32(valsRegion, tid.PageNum)
			valsRegion = binary.LittleEndian.AppendUint32(valsRegion, uint32(tid.Offset))
		}
	} else {
		for _, c := range n.children {
			valsRegion = binary.LittleEndian.AppendUint64(valsRegion, uint64(c))
		}
	}

	total := nodeHeaderSize + len(keysRegion) + len(valsRegion)
	if total > NodeSize {
		return nil, dberr.New(dberr.KindConstraint,
			"node at offset %d (%d bytes) exceeds node size (%d bytes)", n.fileOffset, total, NodeSize)
	}

	buf := make([]byte, NodeSize)
	if n.leaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(n.keys)))
	binary.LittleEndian.PutUint64(buf[5:13], uint64(n.nextLeaf))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(keysRegion)))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(valsRegion)))
	copy(buf[nodeHeaderSize:], keysRegion)
	copy(buf[nodeHeaderSize+len(keysRegion):], valsRegion)
	return buf, nil
}

// deserializeNode decodes a node from its on-disk image.
func deserializeNode(data []byte, fileOffset int64) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, dberr.New(dberr.KindFormat, "node at offset %d truncated", fileOffset)
	}
	n := &node{
		fileOffset: fileOffset,
		leaf:       data[0] == 1,
		nextLeaf:   int64(binary.LittleEndian.Uint64(data[5:13])),
	}
	keyCount := int(binary.LittleEndian.Uint32(data[1:5]))
	keysLen := int(binary.LittleEndian.Uint32(data[13:17]))
	valsLen := int(binary.LittleEndian.Uint32(data[17:21]))
	if nodeHeaderSize+keysLen+valsLen > len(data) {
		return nil, dberr.New(dberr.KindFormat, "node at offset %d has bad region lengths", fileOffset)
	}

	off := nodeHeaderSize
	for i := 0; i < keyCount; i++ {
		k, next, err := decodeKey(data[:nodeHeaderSize+keysLen], off)
		if err != nil {
			return nil, err
		}
		n.keys = append(n.keys, k)
		off = next
	}

	vals := data[nodeHeaderSize+keysLen : nodeHeaderSize+keysLen+valsLen]
	if n.leaf {
		if len(vals) < keyCount*8 {
			return nil, dberr.New(dberr.KindFormat, "node at offset %d values region truncated", fileOffset)
		}
		for i := 0; i < keyCount; i++ {
			n.tids = append(n.tids, types.TupleID{
				PageNum: binary.LittleEndian.Uint32(vals[i*8:]),
				Offset:  uint16(binary.LittleEndian.Uint32(vals[i*8+4:])),
			})
		}
	} else {
		childCount := keyCount + 1
		if keyCount == 0 {
			childCount = len(vals) / 8
		}
		if len(vals) < childCount*8 {
			return nil, dberr.New(dberr.KindFormat, "node at offset %d values region truncated", fileOffset)
		}
		for i := 0; i < childCount; i++ {
			n.children = append(n.children, int64(binary.LittleEndian.Uint64(vals[i*8:])))
		}
	}
	return n, nil
}

// pageNum maps a node file offset to its buffer-pool page number.
func pageNum(fileOffset int64) uint32 {
	return uint32((fileOffset - FileHeaderSize) / NodeSize)
}

// nodeOffset maps a buffer-pool page number back to a file offset.
func nodeOffset(pageNum uint32) int64 {
	return FileHeaderSize + int64(pageNum)*NodeSize
}

// WriteBack persists the node at its slot in the index file. Satisfies
// buffer.Page.
func (n *node) WriteBack(path string, pn uint32) error {
	data, err := n.serialize()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, nodeOffset(pn))
	return err
}
