package vfsrecovery

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

const snapshotArenaCacheSize = 64

// SnapshotEngine builds VfsSnapshots by walking a LogStorage backward under
// a Filler policy (spec §4.3). Materialized snapshots are cached by
// position, property set and named constraint, so a repeated request for
// the same snapshot is served without walking the log again.
type SnapshotEngine struct {
	storage *LogStorage
	cache   *lru.Cache
}

// NewSnapshotEngine wraps storage. cacheSize overrides the default arena
// cache capacity when positive.
func NewSnapshotEngine(storage *LogStorage, cacheSize int) (*SnapshotEngine, error) {
	if cacheSize <= 0 {
		cacheSize = snapshotArenaCacheSize
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot arena cache: %w", err)
	}
	return &SnapshotEngine{storage: storage, cache: c}, nil
}

type snapshotCacheKey struct {
	position   int64
	properties PropertySet
	tag        string
}

// BuildSnapshot walks backward from position applying filler and returns
// the resulting VfsSnapshot.
func (e *SnapshotEngine) BuildSnapshot(position int64, filler Filler) (*VfsSnapshot, error) {
	key := snapshotCacheKey{position: position, properties: filler.Properties, tag: filler.tag}
	if cached, ok := e.cache.Get(key); ok {
		return cached.(*VfsSnapshot), nil
	}

	snap := newVfsSnapshot()
	mask := filler.TagMask()
	it := NewBackwardFilteredIterator(e.storage, position, mask)

	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Outcome != OutcomeComplete {
			continue
		}
		op := res.Op
		if !filler.Matches(op) {
			continue
		}
		applyOperation(snap, op, filler.Properties)
	}
	if it.Poisoned() {
		VerboseLog(2, "vfsrecovery: snapshot walk from %d stopped at poison: %s", position, it.PoisonReason())
	}

	e.cache.Add(key, snap)
	return snap, nil
}

func applyOperation(snap *VfsSnapshot, op Operation, properties PropertySet) {
	switch op.Tag {
	case TagSetParentID, TagSetNameID, TagSetLength, TagSetTimestamp, TagSetFlags, TagSetContentID:
		if properties&propertyForField(op.Field) == 0 {
			return
		}
		r := snap.row(op.FileID)
		if r.seen[op.Field] {
			return
		}
		r.seen[op.Field] = true
		if op.Result == ResultOK {
			r.filled[op.Field] = true
			r.fields[op.Field] = readyValue(op.NewValue)
		}
	case TagSetAttribute:
		if properties&PropAttributes == 0 {
			return
		}
		r := snap.row(op.FileID)
		if r.attrSeen[op.AttrKey] {
			return
		}
		r.attrSeen[op.AttrKey] = true
		if op.Result == ResultOK {
			r.attributes[op.AttrKey] = op.PayloadRef
		}
	}
}

// contentEntry records the readiness of a single payload id, discovered by
// BuildContentSnapshot.
type contentEntry struct {
	Ready  bool
	Length uint32
}

// BuildContentSnapshot scans the whole visible log forward collecting the
// outcome of every ContentOperation, keyed by payloadRef. Stage 1 walks
// this map by increasing id starting at 1, stopping at the first missing
// or non-Ready entry.
func (e *SnapshotEngine) BuildContentSnapshot() (map[uint32]contentEntry, error) {
	entries := make(map[uint32]contentEntry)
	mask := NewTagMask(TagAppendContent)
	it := NewForwardFilteredIterator(e.storage, e.storage.StartOffset(), mask)

	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Outcome != OutcomeComplete {
			continue
		}
		op := res.Op
		if _, exists := entries[op.PayloadRef]; exists {
			continue
		}
		entries[op.PayloadRef] = contentEntry{Ready: op.Result == ResultOK, Length: op.ContentLength}
	}
	if it.Poisoned() {
		VerboseLog(2, "vfsrecovery: content snapshot scan stopped at poison: %s", it.PoisonReason())
	}
	return entries, nil
}
