package vfsrecovery

import (
	zcsl "github.com/mattkeenan/zerocopyskiplist"
)

// childEntry is one (nameId, fileId) pair from a parent's children list.
type childEntry struct {
	NameID uint32
	FileID uint32
}

// nameIndex is a nameId-ordered index over a parent's children, backed by
// the teacher's zero-copy skiplist. Stage 3 builds one over each parent's
// historical children decoded from the log, so that duplicate-nameId
// resolution is an O(log n) lookup instead of an O(n) scan per candidate.
type nameIndex struct {
	skiplist *zcsl.ZeroCopySkiplist[childEntry, uint32, struct{}]
}

func newNameIndex(entries []childEntry) *nameIndex {
	getKey := func(e *childEntry) uint32 { return e.NameID }
	getSize := func(e *childEntry) int { return 8 }
	cmpKey := func(a, b uint32) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	sl := zcsl.MakeZeroCopySkiplist[childEntry, uint32, struct{}](16, getKey, getSize, cmpKey)
	idx := &nameIndex{skiplist: sl}
	for _, e := range entries {
		idx.skiplist.Insert(&e, struct{}{})
	}
	return idx
}

// lookup returns the fileId stored under nameId, if any.
func (idx *nameIndex) lookup(nameID uint32) (uint32, bool) {
	item, _ := idx.skiplist.Find(nameID)
	if item == nil {
		return 0, false
	}
	entry := item.Item()
	return entry.FileID, true
}

// entries returns the index contents in nameId order.
func (idx *nameIndex) entries() []childEntry {
	var out []childEntry
	for cur := idx.skiplist.First(); cur != nil; cur = cur.Next() {
		out = append(out, *cur.Item())
	}
	return out
}

func (idx *nameIndex) len() int {
	return idx.skiplist.Length()
}
