// Package vfsrecovery rebuilds a corrupted virtual filesystem cache from its
// append-only operation log.
//
// # Core API
//
// The two subsystems that matter are LogStorage, the durable append-only
// record log, and RecoveryOrchestrator, the multi-stage pipeline that
// replays a LogStorage into a fresh cache directory:
//
//	storage, err := OpenLogStorage(afero.NewOsFs(), "/vfs/vfslog", DefaultTunables())
//	orch, err := NewRecoveryOrchestrator(afero.NewOsFs(), oldDir, storage, DefaultTunables())
//	result, err := orch.RecoverFromPoint(context.Background(), cutPoint, filepath.Dir(oldDir))
//
// On success, RecoverFromPoint writes a swap marker in oldDir; PerformAtomicSwap
// performs the directory exchange the next time the host starts up.
//
// # Finding a recovery point
//
// RecoveryPointFinder walks the log backward looking for event boundaries
// with a clean, uncorrupted window preceding them:
//
//	finder := NewRecoveryPointFinder(storage)
//	points := ThinOut(finder.GenerateRecoveryPointsPriorTo(storage.Size()), 0, 0)
//
// # Configuration
//
// Tunables (chunk sizes, worker pool capacity, clean-window length, restore
// point spacing) are loaded from an ini-style config file with
// LoadTunablesConfig, or built in code with DefaultTunables and overridden
// field by field.
//
// # Note on internal API
//
// Types like logChunk and nameIndex are internal
// implementation details. External consumers should use LogStorage,
// LogIterator, PayloadStore, SnapshotEngine, RecoveryOrchestrator,
// RecoveryPointFinder, and PerformAtomicSwap.
package vfsrecovery
