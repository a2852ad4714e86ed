package vfsrecovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ProgressReporter receives fractional progress plus a short status string
// as recovery advances through its stages (spec §5's cancellation model:
// returning an error from the reporter aborts the pass).
type ProgressReporter func(fraction float64, status string) error

// RecoveryOrchestrator drives the four-stage reconstruction pipeline (spec
// §4.4). It exclusively owns the new RecordsStore and destination
// directory until it either commits (writes the swap marker) or aborts.
type RecoveryOrchestrator struct {
	sourceFS  afero.Fs
	sourceDir string

	tunables Tunables
	engine   *SnapshotEngine

	// DryRun runs every stage's snapshot walk and accounting but skips
	// writing the swap marker, so a caller can preview a RecoveryResult
	// without committing to the swap.
	DryRun bool

	Progress ProgressReporter

	// sourceAttributes and sourceContent are the source VFS's attribute
	// and content accessors, invoked only through the narrow read seams
	// below (spec §1 treats both as external collaborators).
	sourceAttributes *PayloadStore
	sourceContent    *PayloadStore

	// attributeVersionPrefixes maps an enumerated attribute key to the
	// fixed byte prefix its concrete attribute descriptor stamps onto
	// every payload it writes, for the keys that are versioned at all.
	// Recovery strips this prefix before handing the payload to the
	// destination's attribute accessor; a key absent from this map is
	// unversioned and its bytes are written through verbatim.
	attributeVersionPrefixes map[uint16][]byte

	sourceCreationTimestamp int64

	// activeNewLog is the freshly copied log for the recovery pass
	// currently in flight; stage 2 appends its two lost-content
	// bookkeeping operations directly to it.
	activeNewLog *LogStorage
}

// SetSourceAttributes configures the source attribute accessor used to
// read attribute payloads during stage 2.
func (o *RecoveryOrchestrator) SetSourceAttributes(store *PayloadStore) {
	o.sourceAttributes = store
}

// SetSourceContent configures the source content accessor used to read
// blob bytes during stage 1.
func (o *RecoveryOrchestrator) SetSourceContent(store *PayloadStore) {
	o.sourceContent = store
}

// SetAttributeVersionPrefixes configures the version-prefix byte string
// each versioned attribute key stamps onto its payloads, so stage 2 can
// strip it before recovery writes the payload through the destination's
// attribute accessor. Keys not present here are treated as unversioned.
func (o *RecoveryOrchestrator) SetAttributeVersionPrefixes(prefixes map[uint16][]byte) {
	o.attributeVersionPrefixes = prefixes
}

// SetSourceCreationTimestamp records the source VFS's creation timestamp,
// copied into the new records header at finalize.
func (o *RecoveryOrchestrator) SetSourceCreationTimestamp(ts int64) {
	o.sourceCreationTimestamp = ts
}

// NewRecoveryOrchestrator prepares an orchestrator reading from an
// already-open LogStorage rooted at sourceDir.
func NewRecoveryOrchestrator(sourceFS afero.Fs, sourceDir string, storage *LogStorage, tunables Tunables) (*RecoveryOrchestrator, error) {
	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		return nil, err
	}
	return &RecoveryOrchestrator{sourceFS: sourceFS, sourceDir: sourceDir, tunables: tunables, engine: engine}, nil
}

func (o *RecoveryOrchestrator) report(fraction float64, status string) error {
	if o.Progress == nil {
		return nil
	}
	return o.Progress(fraction, status)
}

// RecoverFromPoint reconstructs the VFS cache rooted at o.sourceDir as it
// stood at cutPoint, writing the new cache into a fresh directory under
// destParentDir and, unless DryRun, leaving a swap marker in the old root
// for the host's next start.
func (o *RecoveryOrchestrator) RecoverFromPoint(ctx context.Context, cutPoint int64, destParentDir string) (*RecoveryResult, error) {
	start := time.Now()
	result := NewRecoveryResult()
	result.DryRun = o.DryRun

	destDir, newStorage, newRecords, err := o.stageSetup(destParentDir, cutPoint)
	if err != nil {
		return nil, fatalWrap("setup", err)
	}
	o.activeNewLog = newStorage
	defer func() {
		newStorage.Close()
		o.activeNewLog = nil
	}()

	if err := o.report(0.05, "setup complete"); err != nil {
		return nil, err
	}

	contentIndex, err := o.engine.BuildContentSnapshot()
	if err != nil {
		return nil, fatalWrap("content-scan", err)
	}
	if err := o.stageContentRecovery(newRecords, contentIndex, result); err != nil {
		return nil, fatalWrap("content-recovery", err)
	}
	if err := o.report(0.30, "content recovered"); err != nil {
		return nil, err
	}

	globalFiller := NewFiller(AllScalarProperties | PropAttributes)
	globalSnapshot, err := o.engine.BuildSnapshot(cutPoint, globalFiller)
	if err != nil {
		return nil, fatalWrap("record-init", err)
	}
	if err := o.stageRecordInitialization(ctx, globalSnapshot, newRecords, result); err != nil {
		return nil, fatalWrap("record-init", err)
	}
	if err := o.report(0.65, "records initialized"); err != nil {
		return nil, err
	}

	if err := o.stageTreeReconstruction(globalSnapshot, newRecords, result); err != nil {
		return nil, fatalWrap("tree-reconstruction", err)
	}
	if err := o.report(0.85, "tree reconstructed"); err != nil {
		return nil, err
	}

	o.stageMarkUnused(newRecords, result)
	if err := o.report(0.95, "unused records marked"); err != nil {
		return nil, err
	}

	if err := o.finalize(newRecords); err != nil {
		return nil, fatalWrap("finalize", err)
	}

	if !o.DryRun {
		if err := WriteSwapMarker(o.sourceFS, o.sourceDir, destDir); err != nil {
			return nil, fatalWrap("swap-marker", err)
		}
	}

	result.LastAllocatedRecord = newRecords.MaxFileID()
	result.Duration = time.Since(start)
	return result, nil
}

// stageSetup is stage 0: validates the destination, copies the interner
// files and log directory, truncates the copied log to cutPoint, and opens
// the fresh RecordsStore.
func (o *RecoveryOrchestrator) stageSetup(destParentDir string, cutPoint int64) (string, *LogStorage, *RecordsStore, error) {
	destDir := filepath.Join(destParentDir, "vfsrecovery-"+uuid.NewString())
	if exists, _ := afero.DirExists(o.sourceFS, destDir); exists {
		return "", nil, nil, fmt.Errorf("destination %s already exists", destDir)
	}
	if err := o.sourceFS.MkdirAll(destDir, 0755); err != nil {
		return "", nil, nil, fmt.Errorf("failed to create destination: %w", err)
	}

	if err := copyByPrefix(o.sourceFS, o.sourceDir, destDir, NamesPrefix); err != nil {
		return "", nil, nil, fmt.Errorf("failed to copy name enumerator: %w", err)
	}
	if err := copyByPrefix(o.sourceFS, o.sourceDir, destDir, AttributesEnumsPrefix); err != nil {
		return "", nil, nil, fmt.Errorf("failed to copy attribute enumerator: %w", err)
	}

	oldLogDir := filepath.Join(o.sourceDir, "vfslog")
	newLogDir := filepath.Join(destDir, "vfslog")
	if err := copyDirRecursive(o.sourceFS, oldLogDir, newLogDir); err != nil {
		return "", nil, nil, fmt.Errorf("failed to copy log directory: %w", err)
	}

	newStorage, err := OpenLogStorage(o.sourceFS, newLogDir, o.tunables)
	if err != nil {
		return "", nil, nil, err
	}
	if err := newStorage.TruncateEndTo(cutPoint); err != nil {
		return "", nil, nil, fmt.Errorf("failed to truncate copied log to cut point: %w", err)
	}

	newRecords, err := CreateRecordsStore(o.sourceFS, destDir, o.tunables.PayloadCompressionWorkers)
	if err != nil {
		return "", nil, nil, err
	}

	return destDir, newStorage, newRecords, nil
}

// stageContentRecovery is stage 1: walks payload ids 1, 2, 3, ... and
// binds every Ready one until the first gap.
func (o *RecoveryOrchestrator) stageContentRecovery(newRecords *RecordsStore, contentIndex map[uint32]contentEntry, result *RecoveryResult) error {
	var lastRecovered uint32
	for id := uint32(1); ; id++ {
		entry, ok := contentIndex[id]
		if !ok || !entry.Ready {
			break
		}
		if o.sourceContent == nil {
			return fmt.Errorf("no source content accessor configured")
		}
		data, err := o.sourceContent.Read(id)
		if err != nil {
			break // source blob missing or failed checksum: treat as NotAvailable
		}
		allocated, err := newRecords.AllocateContentRecordAndStore(data)
		if err != nil {
			return err
		}
		if allocated != id {
			return fmt.Errorf("content allocation not dense: expected id %d, got %d", id, allocated)
		}
		lastRecovered = id
		result.RecoveredContentsCount++
	}
	result.LastRecoveredContentID = lastRecovered
	// Counts distinct contentIds never recovered, not distinct files that
	// reference one: several files can share a single lost contentId, so
	// this is a lower bound on affected files, not their count.
	for id, entry := range contentIndex {
		if id > lastRecovered || !entry.Ready {
			result.LostContentsCount++
		}
	}
	return nil
}

// stageRecordInitialization is stage 2: walks fileIds in configurable
// chunks, filling scalar properties and attributes for each. Recovery
// holds an external read-lock against the host VFS and runs
// single-threaded, so this walks its chunks serially against the one
// RecordsStore handle and one RecoveryResult accumulator. The snapshot it
// walks is already fully built, so chunking does not bound memory; it gives
// ctx a place to be checked between chunks, and does not parallelize the
// walk.
func (o *RecoveryOrchestrator) stageRecordInitialization(ctx context.Context, snapshot *VfsSnapshot, newRecords *RecordsStore, result *RecoveryResult) error {
	chunkSize := o.tunables.RecordsInitChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultRecordsInitChunkSize
	}

	maxID := uint32(0)
	for _, id := range snapshot.FileIDs() {
		if id > maxID {
			maxID = id
		}
	}

	for lo := uint32(1); lo <= maxID; lo += uint32(chunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := lo + uint32(chunkSize) - 1
		if hi > maxID || hi < lo {
			hi = maxID
		}
		if err := o.initializeFileRange(snapshot, newRecords, result, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func (o *RecoveryOrchestrator) initializeFileRange(snapshot *VfsSnapshot, newRecords *RecordsStore, result *RecoveryResult, lo, hi uint32) error {
	for fileID := lo; fileID <= hi; fileID++ {
		if fileID == SuperRootFileID {
			newRecords.SetState(fileID, StateInitialized)
			continue
		}
		if !snapshot.AllReady(fileID, AllScalarProperties) {
			newRecords.SetState(fileID, StateBotched)
			continue
		}

		flags, _ := snapshot.Field(fileID, FieldFlags)
		if uint32(flags)&FlagFreeRecord != 0 {
			newRecords.SetState(fileID, StateUnused)
			continue
		}

		timestamp, _ := snapshot.Field(fileID, FieldTimestamp)
		length, _ := snapshot.Field(fileID, FieldLength)
		nameID, _ := snapshot.Field(fileID, FieldNameID)
		parentID, _ := snapshot.Field(fileID, FieldParentID)
		newRecords.FillRecord(fileID, int64(timestamp), int64(length), uint32(flags), uint32(nameID), uint32(parentID))

		contentID, _ := snapshot.Field(fileID, FieldContentID)
		if err := o.bindOrDropContent(newRecords, result, fileID, uint32(contentID), uint32(flags)); err != nil {
			return err
		}

		if err := o.recoverAttributes(snapshot, newRecords, result, fileID); err != nil {
			return err
		}

		newRecords.SetState(fileID, StateInitialized)
	}
	return nil
}

// bindOrDropContent implements the contentId ≤ lastRecoveredContentId
// binding rule from spec §4.4 stage 2, synthesizing the two bookkeeping
// operations for lost content.
func (o *RecoveryOrchestrator) bindOrDropContent(newRecords *RecordsStore, result *RecoveryResult, fileID, contentID, flags uint32) error {
	if contentID == 0 || contentID <= result.LastRecoveredContentID {
		newRecords.SetContentID(fileID, contentID)
		return nil
	}

	newRecords.SetContentID(fileID, 0)
	newFlags := flags | FlagMustReloadContent | FlagMustReloadLength
	newRecords.SetFlags(fileID, newFlags)

	// These two synthetic operations are appended to the NEW log so a
	// later recovery from it will not re-adopt the lost content id.
	if err := appendRecordsOp(o.activeNewLog, fileID, FieldContentID, 0); err != nil {
		return err
	}
	if err := appendRecordsOp(o.activeNewLog, fileID, FieldFlags, uint64(newFlags)); err != nil {
		return err
	}
	return nil
}

func appendRecordsOp(storage *LogStorage, fileID uint32, field Field, newValue uint64) error {
	if storage == nil {
		return nil
	}
	slot, err := storage.AppendReservation(tagForField(field))
	if err != nil {
		return err
	}
	op := NewRecordsOperation(fileID, field, newValue, ResultOK)
	return slot.Close(op)
}

func (o *RecoveryOrchestrator) recoverAttributes(snapshot *VfsSnapshot, newRecords *RecordsStore, result *RecoveryResult, fileID uint32) error {
	for _, key := range snapshot.AttributeKeys(fileID) {
		if key == AttrKeyChildren {
			continue
		}
		ref, ok := snapshot.Attribute(fileID, key)
		if !ok {
			continue
		}
		data, err := o.readSourceAttribute(ref)
		if err != nil {
			result.BotchedAttributesCount++
			continue
		}
		data = stripAttributeVersionPrefix(data, o.attributeVersionPrefixes[key])
		if _, err := newRecords.WriteAttribute(fileID, key, data); err != nil {
			return fatalf("attribute-write", "failed to write attribute %d for file %d: %v", key, fileID, err)
		}
		result.RecoveredAttributesCount++
	}
	return nil
}

// readSourceAttribute is a narrow seam onto the source's attribute
// accessor; recovery treats attribute storage as an external collaborator
// invoked through this single method (spec §1's non-goals).
func (o *RecoveryOrchestrator) readSourceAttribute(ref uint32) ([]byte, error) {
	if o.sourceAttributes == nil {
		return nil, fmt.Errorf("no source attribute accessor configured")
	}
	return o.sourceAttributes.Read(ref)
}

// stripAttributeVersionPrefix removes prefix from data when data actually
// carries it. An unversioned key (nil prefix) or a payload that doesn't
// start with its own descriptor's prefix is returned unchanged.
func stripAttributeVersionPrefix(data, prefix []byte) []byte {
	if len(prefix) == 0 || len(data) < len(prefix) {
		return data
	}
	for i, b := range prefix {
		if data[i] != b {
			return data
		}
	}
	return data[len(prefix):]
}

// stageTreeReconstruction is stage 3.
func (o *RecoveryOrchestrator) stageTreeReconstruction(snapshot *VfsSnapshot, newRecords *RecordsStore, result *RecoveryResult) error {
	tb := NewTreeBuilder(snapshot, newRecords, o.sourceAttributes, result)
	_, err := tb.Rebuild()
	return err
}

// stageMarkUnused is stage 4.
func (o *RecoveryOrchestrator) stageMarkUnused(newRecords *RecordsStore, result *RecoveryResult) {
	for fileID := uint32(1); fileID <= newRecords.MaxFileID(); fileID++ {
		state := newRecords.State(fileID)
		if state == StateConnected || state == StateBotched {
			result.noteState(state)
			continue
		}
		newRecords.SetState(fileID, StateUnused)
		newRecords.AddFlags(fileID, FlagFreeRecord)
		result.noteState(StateUnused)
	}
}

func (o *RecoveryOrchestrator) finalize(newRecords *RecordsStore) error {
	newRecords.PatchCreationTimestamp(o.sourceCreationTimestamp)
	return newRecords.Flush()
}

// copyByPrefix copies every regular file directly under srcDir whose
// basename starts with prefix: the enumerator identifier spaces (names,
// attributes_enums) are split across several files sharing a common
// prefix (e.g. names.dat, names.values, names.keystream), not a single
// exact filename.
func copyByPrefix(fs afero.Fs, srcDir, dstDir, prefix string) error {
	entries, err := afero.ReadDir(fs, srcDir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, srcDir); !exists {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if err := copyVerbatim(fs, filepath.Join(srcDir, entry.Name()), filepath.Join(dstDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyVerbatim(fs afero.Fs, src, dst string) error {
	if exists, _ := afero.Exists(fs, src); !exists {
		return nil
	}
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, dst, data, 0644)
}

func copyDirRecursive(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := afero.ReadDir(fs, src)
	if err != nil {
		if exists, _ := afero.DirExists(fs, src); !exists {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDirRecursive(fs, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyVerbatim(fs, srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
