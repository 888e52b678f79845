// Package buffer implements the shared page cache.
//
// The pool caches fixed-size pages from heap and index files alike, keyed by
// (file path, page number). It does not own file handles: callers supply a
// loader that materialises a page from disk, and cached pages know how to
// write themselves back. Replacement is strict LRU with write-back of dirty
// pages on eviction.
package buffer

import (
	"container/list"

	"reldb/pkg/dberr"
)

// DefaultCapacity is the default resident page limit.
const DefaultCapacity = 128

// Page is a cached page. WriteBack must persist the page's current contents
// to the given file at the page's slot in one page-sized write.
type Page interface {
	WriteBack(path string, pageNum uint32) error
}

// Loader materialises a page from disk.
type Loader func(path string, pageNum uint32) (Page, error)

// Key identifies a cached page.
type Key struct {
	Path    string
	PageNum uint32
}

type entry struct {
	key   Key
	page  Page
	dirty bool
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Resident int
	Capacity int
	Dirty    int
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Pool is an LRU page cache. It is used from a single goroutine.
type Pool struct {
	capacity int
	lru      *list.List               // front = most recently used
	elems    map[Key]*list.Element    // key -> element holding *entry
	hits     uint64
	misses   uint64
}

// NewPool creates a pool holding up to capacity pages.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		capacity: capacity,
		lru:      list.New(),
		elems:    make(map[Key]*list.Element),
	}
}

// Get returns the cached page, loading it on a miss and evicting the LRU
// page (writing it back first if dirty) when the pool is at capacity.
func (p *Pool) Get(path string, pageNum uint32, load Loader) (Page, error) {
	key := Key{Path: path, PageNum: pageNum}
	if e, ok := p.elems[key]; ok {
		p.hits++
		p.lru.MoveToFront(e)
		return e.Value.(*entry).page, nil
	}

	p.misses++
	page, err := load(path, pageNum)
	if err != nil {
		return nil, err
	}

	if err := p.insert(key, page, false); err != nil {
		return nil, err
	}
	return page, nil
}

// Put places a freshly built page into the cache as dirty, replacing any
// cached copy. Used when a page is created or rebuilt in memory (new heap
// page, vacuum compaction, new B-tree node).
func (p *Pool) Put(path string, pageNum uint32, page Page) error {
	key := Key{Path: path, PageNum: pageNum}
	if e, ok := p.elems[key]; ok {
		ent := e.Value.(*entry)
		ent.page = page
		ent.dirty = true
		p.lru.MoveToFront(e)
		return nil
	}
	return p.insert(key, page, true)
}

func (p *Pool) insert(key Key, page Page, dirty bool) error {
	if p.lru.Len() >= p.capacity {
		if err := p.evict(); err != nil {
			return err
		}
	}
	e := p.lru.PushFront(&entry{key: key, page: page, dirty: dirty})
	p.elems[key] = e
	return nil
}

// evict removes the least-recently-used page, writing it back if dirty.
func (p *Pool) evict() error {
	e := p.lru.Back()
	if e == nil {
		return nil
	}
	ent := e.Value.(*entry)
	if ent.dirty {
		if err := ent.page.WriteBack(ent.key.Path, ent.key.PageNum); err != nil {
			return dberr.Wrap(dberr.KindIO, err, "evicting page %d of %s", ent.key.PageNum, ent.key.Path)
		}
	}
	p.lru.Remove(e)
	delete(p.elems, ent.key)
	return nil
}

// MarkDirty flags a resident page as modified. A page that is not resident
// is ignored: its contents were already written back or never cached.
func (p *Pool) MarkDirty(path string, pageNum uint32) {
	if e, ok := p.elems[Key{Path: path, PageNum: pageNum}]; ok {
		e.Value.(*entry).dirty = true
	}
}

// FlushAll writes every dirty page back to its file.
func (p *Pool) FlushAll() error {
	for e := p.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if !ent.dirty {
			continue
		}
		if err := ent.page.WriteBack(ent.key.Path, ent.key.PageNum); err != nil {
			return dberr.Wrap(dberr.KindIO, err, "flushing page %d of %s", ent.key.PageNum, ent.key.Path)
		}
		ent.dirty = false
	}
	return nil
}

// Invalidate drops a page from the cache without writing it back.
func (p *Pool) Invalidate(path string, pageNum uint32) {
	key := Key{Path: path, PageNum: pageNum}
	if e, ok := p.elems[key]; ok {
		p.lru.Remove(e)
		delete(p.elems, key)
	}
}

// InvalidateFile drops every cached page of a file. Used by DROP TABLE before
// the file is unlinked.
func (p *Pool) InvalidateFile(path string) {
	var next *list.Element
	for e := p.lru.Front(); e != nil; e = next {
		next = e.Next()
		ent := e.Value.(*entry)
		if ent.key.Path == path {
			p.lru.Remove(e)
			delete(p.elems, ent.key)
		}
	}
}

// Stats returns cache statistics.
func (p *Pool) Stats() Stats {
	dirty := 0
	for e := p.lru.Front(); e != nil; e = e.Next() {
		if e.Value.(*entry).dirty {
			dirty++
		}
	}
	return Stats{
		Hits:     p.hits,
		Misses:   p.misses,
		Resident: p.lru.Len(),
		Capacity: p.capacity,
		Dirty:    dirty,
	}
}
