package vfsrecovery

import (
	"fmt"
	"sort"
)

// TreeBuilder rebuilds the parent→children tree from a global snapshot,
// deduplicating by nameId against each parent's historical children
// attribute (spec §4.4, stage 3).
type TreeBuilder struct {
	snapshot         *VfsSnapshot
	records          *RecordsStore
	sourceAttributes *PayloadStore
	result           *RecoveryResult

	childrenByParent map[uint32][]uint32
}

// NewTreeBuilder prepares a tree builder over snapshot, whose ParentID
// property must already be populated for every relevant fileId.
// sourceAttributes is the source VFS's attribute accessor: the children
// payload refs decoded from the snapshot were assigned by the source's own
// SetAttribute log operations, so historical children can only be read
// back through that store, never through the destination's fresh one.
func NewTreeBuilder(snapshot *VfsSnapshot, records *RecordsStore, sourceAttributes *PayloadStore, result *RecoveryResult) *TreeBuilder {
	tb := &TreeBuilder{snapshot: snapshot, records: records, sourceAttributes: sourceAttributes, result: result, childrenByParent: make(map[uint32][]uint32)}
	for _, fileID := range snapshot.FileIDs() {
		parentID, ok := snapshot.Field(fileID, FieldParentID)
		if !ok {
			continue
		}
		tb.childrenByParent[uint32(parentID)] = append(tb.childrenByParent[uint32(parentID)], fileID)
	}
	return tb
}

func (tb *TreeBuilder) historicalChildren(parentID uint32) ([]childEntry, error) {
	ref, ok := tb.snapshot.Attribute(parentID, AttrKeyChildren)
	if !ok {
		return nil, nil
	}
	if tb.sourceAttributes == nil {
		return nil, fmt.Errorf("no source attribute accessor configured to read historical children of %d", parentID)
	}
	data, err := tb.sourceAttributes.Read(ref)
	if err != nil {
		return nil, err
	}
	return decodeChildrenAttribute(parentID, data)
}

// Rebuild performs the BFS reconstruction described in spec §4.4 starting
// from the super-root, and returns the set of connected fileIds.
func (tb *TreeBuilder) Rebuild() (map[uint32]bool, error) {
	connected := make(map[uint32]bool)

	rootChildren := tb.childrenByParent[SuperRootFileID]
	legacyChildren := tb.childrenByParent[0]

	historicalRoot, err := tb.historicalChildren(SuperRootFileID)
	if err != nil {
		return nil, err
	}
	rootIndex := newNameIndex(historicalRoot)

	candidateSet := make(map[uint32]bool)
	for _, c := range rootChildren {
		candidateSet[c] = true
	}
	// Legacy quirk: super-root children may carry parentId 0. Only admit
	// them if the historical super-root children attribute also names
	// them, otherwise every orphaned fileId with parentId 0 would flood
	// the tree.
	for _, c := range legacyChildren {
		nameID, ok := tb.snapshot.Field(c, FieldNameID)
		if !ok {
			continue
		}
		if histFileID, ok := rootIndex.lookup(uint32(nameID)); ok && histFileID == c {
			candidateSet[c] = true
		}
	}

	queue := make([]uint32, 0, len(candidateSet))
	for c := range candidateSet {
		if tb.records.State(c) != StateInitialized {
			continue
		}
		queue = append(queue, c)
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	rootSurvivors, err := tb.resolveDuplicates(SuperRootFileID, queue, historicalRoot)
	if err != nil {
		return nil, err
	}
	if _, err := tb.writeChildrenAttribute(SuperRootFileID, rootSurvivors); err != nil {
		return nil, err
	}
	connected[SuperRootFileID] = true
	tb.records.SetState(SuperRootFileID, StateConnected)

	queue = queue[:0]
	for _, entry := range rootSurvivors {
		connected[entry.FileID] = true
		tb.records.SetState(entry.FileID, StateConnected)
		queue = append(queue, entry.FileID)
	}

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		var candidates []uint32
		for _, child := range tb.childrenByParent[parentID] {
			if tb.records.State(child) == StateInitialized {
				candidates = append(candidates, child)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		historical, err := tb.historicalChildren(parentID)
		if err != nil {
			return nil, err
		}
		survivors, err := tb.resolveDuplicates(parentID, candidates, historical)
		if err != nil {
			return nil, err
		}
		if _, err := tb.writeChildrenAttribute(parentID, survivors); err != nil {
			return nil, err
		}

		connected[parentID] = true
		tb.records.SetState(parentID, StateConnected)
		for _, entry := range survivors {
			connected[entry.FileID] = true
			tb.records.SetState(entry.FileID, StateConnected)
			queue = append(queue, entry.FileID)
		}
	}

	return connected, nil
}

// resolveDuplicates groups candidates by nameId, keeping at most one
// survivor per name using the historical children set as a tiebreaker: a
// shared name whose historical entry matches none of its candidates keeps
// no survivor at all.
func (tb *TreeBuilder) resolveDuplicates(parentID uint32, candidates []uint32, historical []childEntry) ([]childEntry, error) {
	byName := make(map[uint32][]uint32)
	for _, fileID := range candidates {
		nameID, ok := tb.snapshot.Field(fileID, FieldNameID)
		if !ok {
			continue
		}
		byName[uint32(nameID)] = append(byName[uint32(nameID)], fileID)
	}

	histIndex := newNameIndex(historical)

	names := make([]uint32, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var survivors []childEntry
	for _, nameID := range names {
		group := byName[nameID]
		if len(group) == 1 {
			survivors = append(survivors, childEntry{NameID: nameID, FileID: group[0]})
			continue
		}

		histFileID, histOK := histIndex.lookup(nameID)
		var kept uint32
		hadKept := false
		if histOK {
			for _, fileID := range group {
				if fileID == histFileID {
					kept = fileID
					hadKept = true
					break
				}
			}
		}
		if hadKept {
			survivors = append(survivors, childEntry{NameID: nameID, FileID: kept})
		}
		if tb.result != nil {
			tb.result.noteDuplicateChildren(parentID, nameID, group, kept, hadKept)
		}
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].FileID < survivors[j].FileID })
	return survivors, nil
}

func (tb *TreeBuilder) writeChildrenAttribute(parentID uint32, children []childEntry) (uint32, error) {
	sorted := make([]childEntry, len(children))
	copy(sorted, children)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NameID < sorted[j].NameID })
	data := encodeChildrenAttribute(parentID, sorted)
	return tb.records.WriteAttribute(parentID, AttrKeyChildren, data)
}
