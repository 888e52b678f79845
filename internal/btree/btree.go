package btree

import (
	"encoding/binary"
	"os"

	"reldb/internal/buffer"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// Defaults for tree geometry and key normalisation.
const (
	DefaultOrder      = 4  // max children per node; max keys = order - 1
	DefaultTextPrefix = 10 // code points kept from TEXT key components
)

var fileMagic = []byte("BTIX")

// Options tunes a tree. Zero values take the defaults.
type Options struct {
	Order      int
	TextPrefix int
}

// Tree is a disk-resident B-tree mapping composite keys to tuple ids. Node
// reads and writes flow through the shared buffer pool; node allocation is
// append-only (deleted entries never reclaim node slots).
type Tree struct {
	path       string
	keyColumns []string
	unique     bool
	order      int
	textPrefix int
	pool       *buffer.Pool

	root      int64
	nodeCount int64
}

// New wraps an index file path. Call Create or Open before use.
func New(path string, keyColumns []string, unique bool, pool *buffer.Pool, opts Options) *Tree {
	order := opts.Order
	if order <= 2 {
		order = DefaultOrder
	}
	prefix := opts.TextPrefix
	if prefix <= 0 {
		prefix = DefaultTextPrefix
	}
	return &Tree{
		path:       path,
		keyColumns: keyColumns,
		unique:     unique,
		order:      order,
		textPrefix: prefix,
		pool:       pool,
	}
}

// Path returns the index file path.
func (t *Tree) Path() string { return t.path }

// Unique reports whether the index enforces key uniqueness.
func (t *Tree) Unique() bool { return t.unique }

// KeyColumns returns the ordered key column names.
func (t *Tree) KeyColumns() []string { return t.keyColumns }

// Normalize applies TEXT truncation to a key.
func (t *Tree) Normalize(k Key) Key { return k.Truncate(t.textPrefix) }

// Create initialises a new index file with an empty leaf root.
func (t *Tree) Create() error {
	t.root = FileHeaderSize
	t.nodeCount = 1

	root := newLeaf(t.root)
	nodeData, err := root.serialize()
	if err != nil {
		return err
	}

	header := make([]byte, FileHeaderSize)
	copy(header, fileMagic)
	binary.LittleEndian.PutUint64(header[4:12], uint64(t.root))
	binary.LittleEndian.PutUint64(header[12:20], uint64(t.nodeCount))
	if t.unique {
		header[20] = 1
	}
	binary.LittleEndian.PutUint32(header[21:25], uint32(len(t.keyColumns)))

	f, err := os.OpenFile(t.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "creating index file %s", t.path)
	}
	defer f.Close()
	if _, err := f.Write(header); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "writing index header %s", t.path)
	}
	if _, err := f.Write(nodeData); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "writing index root %s", t.path)
	}
	return nil
}

// Open reads the header of an existing index file.
func (t *Tree) Open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "opening index file %s", t.path)
	}
	defer f.Close()

	header := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return dberr.Wrap(dberr.KindFormat, err, "reading index header %s", t.path)
	}
	if string(header[:4]) != string(fileMagic) {
		return dberr.New(dberr.KindFormat, "invalid index file %s: bad magic", t.path)
	}
	t.root = int64(binary.LittleEndian.Uint64(header[4:12]))
	t.nodeCount = int64(binary.LittleEndian.Uint64(header[12:20]))
	t.unique = header[20] == 1
	if n := int(binary.LittleEndian.Uint32(header[21:25])); len(t.keyColumns) > 0 && n != len(t.keyColumns) {
		return dberr.New(dberr.KindFormat,
			"index file %s has %d key columns, expected %d", t.path, n, len(t.keyColumns))
	}
	return nil
}

// Search returns the tid stored under the key, if present.
func (t *Tree) Search(key Key) (types.TupleID, bool, error) {
	k := t.Normalize(key)
	leaf, err := t.findLeaf(k)
	if err != nil {
		return types.TupleID{}, false, err
	}
	for i, lk := range leaf.keys {
		if CompareKeys(lk, k) == 0 {
			return leaf.tids[i], true, nil
		}
	}
	return types.TupleID{}, false, nil
}

// Range returns the tids of every key in [lo, hi], in ascending key order,
// by walking the leaf chain. A nil bound is unbounded on that side.
func (t *Tree) Range(lo, hi Key) ([]types.TupleID, error) {
	if lo != nil {
		lo = t.Normalize(lo)
	}
	if hi != nil {
		hi = t.Normalize(hi)
	}

	var leaf *node
	var err error
	if lo == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		// Descend left on equality so copies of lo that sit left of a
		// separator are reached too.
		leaf, err = t.readNode(t.root)
		for err == nil && !leaf.leaf {
			i := 0
			for i < len(leaf.keys) && CompareKeys(lo, leaf.keys[i]) > 0 {
				i++
			}
			leaf, err = t.readNode(leaf.children[i])
		}
	}
	if err != nil {
		return nil, err
	}

	var out []types.TupleID
	for leaf != nil {
		for i, k := range leaf.keys {
			if lo != nil && CompareKeys(k, lo) < 0 {
				continue
			}
			if hi != nil && CompareKeys(k, hi) > 0 {
				return out, nil
			}
			out = append(out, leaf.tids[i])
		}
		if leaf.nextLeaf == NilOffset {
			break
		}
		leaf, err = t.readNode(leaf.nextLeaf)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Insert stores key -> tid, splitting full nodes on the way down. Unique
// indexes reject keys already present; keys containing NULL components are
// exempt from the uniqueness check.
func (t *Tree) Insert(key Key, tid types.TupleID) error {
	k := t.Normalize(key)

	if t.unique && !k.HasNull() {
		if _, found, err := t.Search(k); err != nil {
			return err
		} else if found {
			return dberr.New(dberr.KindConstraint,
				"duplicate key %v violates unique index %s", k, t.path)
		}
	}

	cur, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	if t.full(cur) {
		newRoot, err := t.allocateNode(false)
		if err != nil {
			return err
		}
		newRoot.children = []int64{cur.fileOffset}
		if err := t.splitChild(newRoot, 0, cur); err != nil {
			return err
		}
		t.root = newRoot.fileOffset
		if err := t.writeHeader(); err != nil {
			return err
		}
		cur = newRoot
	}

	for {
		if cur.leaf {
			pos := 0
			for pos < len(cur.keys) && CompareKeys(k, cur.keys[pos]) >= 0 {
				pos++
			}
			cur.keys = append(cur.keys, nil)
			copy(cur.keys[pos+1:], cur.keys[pos:])
			cur.keys[pos] = k
			cur.tids = append(cur.tids, types.TupleID{})
			copy(cur.tids[pos+1:], cur.tids[pos:])
			cur.tids[pos] = tid
			t.markDirty(cur)
			return nil
		}

		i := 0
		for i < len(cur.keys) && CompareKeys(k, cur.keys[i]) >= 0 {
			i++
		}
		child, err := t.readNode(cur.children[i])
		if err != nil {
			return err
		}
		if t.full(child) {
			if err := t.splitChild(cur, i, child); err != nil {
				return err
			}
			if CompareKeys(k, cur.keys[i]) >= 0 {
				i++
			}
			child, err = t.readNode(cur.children[i])
			if err != nil {
				return err
			}
		}
		cur = child
	}
}

// Delete removes the key's entry from its leaf. Missing keys are a no-op;
// underflowed nodes are left as-is (no borrow or merge).
func (t *Tree) Delete(key Key) error {
	k := t.Normalize(key)
	leaf, err := t.findLeaf(k)
	if err != nil {
		return err
	}
	for i, lk := range leaf.keys {
		if CompareKeys(lk, k) == 0 {
			leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
			leaf.tids = append(leaf.tids[:i], leaf.tids[i+1:]...)
			t.markDirty(leaf)
			return nil
		}
	}
	return nil
}

func (t *Tree) full(n *node) bool {
	return len(n.keys) >= t.order-1
}

// splitChild splits the full child at parent.children[idx]. Leaf splits copy
// the median up and re-stitch the leaf chain; internal splits move the
// median up.
func (t *Tree) splitChild(parent *node, idx int, child *node) error {
	right, err := t.allocateNode(child.leaf)
	if err != nil {
		return err
	}

	mid := len(child.keys) / 2
	median := child.keys[mid]

	if child.leaf {
		right.keys = append([]Key(nil), child.keys[mid:]...)
		right.tids = append([]types.TupleID(nil), child.tids[mid:]...)
		child.keys = append([]Key(nil), child.keys[:mid]...)
		child.tids = append([]types.TupleID(nil), child.tids[:mid]...)

		right.nextLeaf = child.nextLeaf
		child.nextLeaf = right.fileOffset
	} else {
		right.keys = append([]Key(nil), child.keys[mid+1:]...)
		right.children = append([]int64(nil), child.children[mid+1:]...)
		child.keys = append([]Key(nil), child.keys[:mid]...)
		child.children = append([]int64(nil), child.children[:mid+1]...)
	}

	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = median
	parent.children = append(parent.children, 0)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = right.fileOffset

	t.markDirty(child)
	t.markDirty(right)
	t.markDirty(parent)
	return nil
}

// findLeaf descends to the leaf that would contain the (normalized) key.
func (t *Tree) findLeaf(k Key) (*node, error) {
	cur, err := t.readNode(t.root)
	if err != nil {
		return nil, err
	}
	for !cur.leaf {
		i := 0
		for i < len(cur.keys) && CompareKeys(k, cur.keys[i]) >= 0 {
			i++
		}
		cur, err = t.readNode(cur.children[i])
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (t *Tree) leftmostLeaf() (*node, error) {
	cur, err := t.readNode(t.root)
	if err != nil {
		return nil, err
	}
	for !cur.leaf {
		cur, err = t.readNode(cur.children[0])
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// allocateNode appends a node slot to the file and caches the fresh node.
// Offsets grow monotonically; there is no free-node list.
func (t *Tree) allocateNode(leaf bool) (*node, error) {
	offset := FileHeaderSize + t.nodeCount*NodeSize
	t.nodeCount++

	var n *node
	if leaf {
		n = newLeaf(offset)
	} else {
		n = newInternal(offset)
	}

	data, err := n.serialize()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(t.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "opening index file %s", t.path)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "appending node to %s", t.path)
	}

	if err := t.writeHeader(); err != nil {
		return nil, err
	}
	if err := t.pool.Put(t.path, pageNum(offset), n); err != nil {
		return nil, err
	}
	return n, nil
}

// readNode loads a node through the buffer pool.
func (t *Tree) readNode(offset int64) (*node, error) {
	p, err := t.pool.Get(t.path, pageNum(offset), t.loadNode)
	if err != nil {
		return nil, err
	}
	return p.(*node), nil
}

// loadNode reads a node from disk, bypassing the pool. Used as the pool's
// loader.
func (t *Tree) loadNode(path string, pn uint32) (buffer.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "opening index file %s", path)
	}
	defer f.Close()

	data := make([]byte, NodeSize)
	if _, err := f.ReadAt(data, nodeOffset(pn)); err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "reading node %d of %s", pn, path)
	}
	return deserializeNode(data, nodeOffset(pn))
}

func (t *Tree) markDirty(n *node) {
	t.pool.MarkDirty(t.path, pageNum(n.fileOffset))
}

// writeHeader persists the root offset and node count.
func (t *Tree) writeHeader() error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.root))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.nodeCount))

	f, err := os.OpenFile(t.path, os.O_RDWR, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "opening index file %s", t.path)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf, 4); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "updating index header %s", t.path)
	}
	return nil
}
