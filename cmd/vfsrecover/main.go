// Command vfsrecover drives the vfsrecovery pipeline against a cache
// directory left behind by a crashed VFS host: it lists safe restore
// points, replays the operation log into a fresh cache directory as of a
// chosen point, and performs the atomic swap on the host's behalf.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/mattkeenan/vfsrecovery/pkg/vfsrecovery"
)

func main() {
	options := NewParsedOptions()
	options.DefineOption("help", "h", OptionTypeBool, "false", "Show help message")
	options.DefineOption("verbose", "v", OptionTypeInt, "0", "Enable verbose output (repeatable)")
	options.DefineOption("dry-run", "n", OptionTypeBool, "false", "Build the recovery result without writing a swap marker")
	options.DefineOption("dest", "d", OptionTypeString, "", "Parent directory for the recovered cache (default: source's parent)")
	options.DefineOption("cut-point", "c", OptionTypeInt, "-1", "Log offset to recover as of (default: end of log)")
	options.DefineOption("limit", "l", OptionTypeInt, "20", "Maximum number of recovery points to list")
	options.DefineOption("clean-window", "", OptionTypeInt, "0", "Records required clean before a point is accepted")
	options.DefineOption("config", "", OptionTypeString, "", "Path to a tunables ini file (default: <source-dir>/vfsrecovery.ini)")

	if err := options.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: %v\n", err)
		os.Exit(1)
	}

	if options.GetBool("help") || len(options.GetArgs()) < 2 {
		showHelp(options)
		if options.GetBool("help") {
			os.Exit(0)
		}
		os.Exit(1)
	}

	vfsrecovery.SetVerboseLevel(options.GetInt("verbose"))

	args := options.GetArgs()
	sourceDir := args[0]
	command := args[1]

	tunables, err := loadTunables(sourceDir, options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: %v\n", err)
		os.Exit(1)
	}

	fs := afero.NewOsFs()
	logDir := filepath.Join(sourceDir, "vfslog")
	storage, err := vfsrecovery.OpenLogStorage(fs, logDir, tunables)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: failed to open log at %s: %v\n", logDir, err)
		os.Exit(1)
	}
	defer storage.Close()

	switch command {
	case "points":
		runPoints(storage, options)
	case "recover":
		runRecover(fs, sourceDir, storage, tunables, options)
	case "swap":
		runSwap(fs, sourceDir)
	default:
		fmt.Fprintf(os.Stderr, "vfsrecover: unknown command %q\n", command)
		showHelp(options)
		os.Exit(1)
	}
}

func showHelp(options *ParsedOptions) {
	fmt.Fprintf(os.Stderr, "vfsrecover - reconstruct a VFS cache from its operation log\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  <source-dir> points            List candidate restore points, newest first\n")
	fmt.Fprintf(os.Stderr, "  <source-dir> recover           Replay the log into a fresh cache directory\n")
	fmt.Fprintf(os.Stderr, "  <cache-root> swap              Apply a pending swap marker, if present\n\n")
	options.ShowUsage("vfsrecover")
}

func loadTunables(sourceDir string, options *ParsedOptions) (vfsrecovery.Tunables, error) {
	configPath := options.GetString("config")
	if configPath == "" {
		configPath = filepath.Join(sourceDir, "vfsrecovery.ini")
	}
	cfg, err := vfsrecovery.LoadTunablesConfig(configPath)
	if err != nil {
		return vfsrecovery.Tunables{}, fmt.Errorf("failed to load tunables: %w", err)
	}
	t := cfg.Tunables()
	if options.IsSet("clean-window") {
		t.CleanWindow = options.GetInt("clean-window")
	}
	if err := vfsrecovery.ValidateTunables(t); err != nil {
		return vfsrecovery.Tunables{}, fmt.Errorf("invalid tunables: %w", err)
	}
	return t, nil
}

func runPoints(storage *vfsrecovery.LogStorage, options *ParsedOptions) {
	finder := vfsrecovery.NewRecoveryPointFinder(storage)
	points := finder.GenerateRecoveryPointsPriorTo(storage.Size())
	points = vfsrecovery.ThinOut(points, 0, 0)

	limit := options.GetInt("limit")
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	for _, p := range points {
		fmt.Printf("%d\tposition=%d\n", p.Timestamp, p.Position)
	}
}

func runRecover(fs afero.Fs, sourceDir string, storage *vfsrecovery.LogStorage, tunables vfsrecovery.Tunables, options *ParsedOptions) {
	cutPoint := options.GetInt64("cut-point")
	if cutPoint < 0 {
		cutPoint = storage.Size()
	}

	finder := vfsrecovery.NewRecoveryPointFinder(storage)
	accepted, ok := finder.FindClosestPrecedingCleanPoint(cutPoint, tunables.CleanWindow)
	if !ok {
		fmt.Fprintf(os.Stderr, "vfsrecover: no clean window precedes position %d\n", cutPoint)
		os.Exit(1)
	}
	if accepted != cutPoint {
		fmt.Fprintf(os.Stderr, "vfsrecover: cut point %d is not clean, using %d instead\n", cutPoint, accepted)
	}
	cutPoint = accepted

	orch, err := vfsrecovery.NewRecoveryOrchestrator(fs, sourceDir, storage, tunables)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: failed to prepare orchestrator: %v\n", err)
		os.Exit(1)
	}
	orch.DryRun = options.GetBool("dry-run")

	sourceContent, err := vfsrecovery.OpenPayloadStore(fs, filepath.Join(sourceDir, "content.blob"), tunables.PayloadCompressionWorkers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: failed to open source content store: %v\n", err)
		os.Exit(1)
	}
	defer sourceContent.Close()
	orch.SetSourceContent(sourceContent)

	sourceAttributes, err := vfsrecovery.OpenPayloadStore(fs, filepath.Join(sourceDir, "attributes.blob"), tunables.PayloadCompressionWorkers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: failed to open source attribute store: %v\n", err)
		os.Exit(1)
	}
	defer sourceAttributes.Close()
	orch.SetSourceAttributes(sourceAttributes)

	if ts, err := readSourceCreationTimestamp(sourceDir); err == nil {
		orch.SetSourceCreationTimestamp(ts)
	} else {
		vfsrecovery.VerboseLog(1, "vfsrecover: could not read source creation timestamp: %v", err)
	}

	orch.Progress = func(fraction float64, status string) error {
		fmt.Fprintf(os.Stderr, "[%3.0f%%] %s\n", fraction*100, status)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := setupSignalHandler()
	go func() {
		<-shutdown
		cancel()
	}()

	destParentDir := options.GetString("dest")
	if destParentDir == "" {
		destParentDir = filepath.Dir(sourceDir)
	}

	result, err := orch.RecoverFromPoint(ctx, cutPoint, destParentDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: recovery failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("last allocated record: %d\n", result.LastAllocatedRecord)
	fmt.Printf("recovered contents:    %d (lost %d)\n", result.RecoveredContentsCount, result.LostContentsCount)
	fmt.Printf("recovered attributes:  %d (botched %d)\n", result.RecoveredAttributesCount, result.BotchedAttributesCount)
	fmt.Printf("duplicate children:    %d lost, %d deduplicated\n", result.DuplicateChildrenLost, result.DuplicateChildrenDeduplicated)
	for _, detail := range result.DuplicateChildrenLogDetails {
		fmt.Printf("  %s\n", detail)
	}
	for state, count := range result.FileStateCounts {
		fmt.Printf("state %-11s %d\n", state.String(), count)
	}
	fmt.Printf("duration:              %s\n", result.Duration)
	if result.DryRun {
		fmt.Printf("dry run: no swap marker was written\n")
	}
}

func runSwap(fs afero.Fs, cacheRoot string) {
	swapped, err := vfsrecovery.PerformAtomicSwap(fs, cacheRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsrecover: swap failed: %v\n", err)
		os.Exit(1)
	}
	if swapped {
		fmt.Printf("swapped in recovered cache at %s\n", cacheRoot)
	} else {
		fmt.Printf("no pending swap marker at %s\n", cacheRoot)
	}
}

// readSourceCreationTimestamp reads the 8-byte creation timestamp out of an
// existing records header without needing a full RecordsStore, since that
// type only ever creates fresh stores.
func readSourceCreationTimestamp(sourceDir string) (int64, error) {
	f, err := os.Open(filepath.Join(sourceDir, vfsrecovery.RecordsFileName))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, vfsrecovery.HeaderTimestampSize)
	if _, err := f.ReadAt(buf, vfsrecovery.HeaderTimestampOffset); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}
