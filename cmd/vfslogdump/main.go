// Command vfslogdump inspects an operation log in place without appending
// to it (closing the log on exit rewrites its size and start files with the
// values read at open): it prints the log's offsets and a forward or backward walk
// of decoded operations, for diagnosing corruption before running
// vfsrecover against it.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/mattkeenan/vfsrecovery/pkg/vfsrecovery"
)

func main() {
	options := NewParsedOptions()
	options.DefineOption("help", "h", OptionTypeBool, "false", "Show help message")
	options.DefineOption("backward", "b", OptionTypeBool, "false", "Walk from the end of the log toward the start")
	options.DefineOption("limit", "l", OptionTypeInt, "1000", "Maximum number of descriptors to print (0 = unlimited)")
	options.DefineOption("from", "", OptionTypeInt, "-1", "Starting offset (default: start or end of the log)")
	options.DefineOption("stop-on-invalid", "", OptionTypeBool, "true", "Stop walking on the first Invalid descriptor")

	if err := options.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vfslogdump: %v\n", err)
		os.Exit(1)
	}

	args := options.GetArgs()
	if options.GetBool("help") || len(args) < 1 {
		showHelp(options)
		if options.GetBool("help") {
			os.Exit(0)
		}
		os.Exit(1)
	}

	sourceDir := args[0]
	fs := afero.NewOsFs()

	if len(args) >= 2 && args[1] == "records" {
		dumpRecords(fs, sourceDir, args[2:])
		return
	}

	logDir := filepath.Join(sourceDir, "vfslog")
	storage, err := vfsrecovery.OpenLogStorage(fs, logDir, vfsrecovery.DefaultTunables())
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfslogdump: failed to open log at %s: %v\n", logDir, err)
		os.Exit(1)
	}
	defer storage.Close()

	fmt.Printf("start offset:    %d\n", storage.StartOffset())
	fmt.Printf("persistent size: %d\n", storage.Size())
	fmt.Printf("emerging size:   %d\n\n", storage.EmergingSize())

	if len(args) < 2 || args[1] != "walk" {
		return
	}

	walk(storage, options)
}

// dumpRecords prints one already-recovered FileRecord per fileId argument
// straight off a finished RecordsStore directory (the output of vfsrecover
// recover), without opening it for writing.
func dumpRecords(fs afero.Fs, dir string, fileIDs []string) {
	if len(fileIDs) == 0 {
		fmt.Fprintf(os.Stderr, "vfslogdump: records requires at least one fileId\n")
		os.Exit(1)
	}
	for _, arg := range fileIDs {
		id, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vfslogdump: invalid fileId %q\n", arg)
			continue
		}
		fileID := uint32(id)

		record, err := vfsrecovery.ReadFileRecord(fs, dir, fileID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vfslogdump: %v\n", err)
			continue
		}
		state, err := vfsrecovery.RecordState(fs, dir, fileID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vfslogdump: %v\n", err)
			continue
		}
		fmt.Printf("fileId=%d parent=%d name=%d length=%d timestamp=%d flags=%d contentId=%d state=%s attributes=%v\n",
			record.FileID, record.ParentID, record.NameID, record.Length, record.Timestamp,
			record.Flags, record.ContentID, state, record.Attributes)
	}
}

func showHelp(options *ParsedOptions) {
	fmt.Fprintf(os.Stderr, "vfslogdump - inspect a vfsrecovery operation log or records file read-only\n\n")
	fmt.Fprintf(os.Stderr, "Usage: vfslogdump [OPTIONS] <dir> walk\n")
	fmt.Fprintf(os.Stderr, "       vfslogdump <dir> records <fileId>...\n\n")
	options.ShowUsage("vfslogdump")
}

func walk(storage *vfsrecovery.LogStorage, options *ParsedOptions) {
	backward := options.GetBool("backward")
	limit := options.GetInt("limit")
	stopOnInvalid := options.GetBool("stop-on-invalid")

	start := options.GetInt64("from")
	if start < 0 {
		if backward {
			start = storage.Size()
		} else {
			start = storage.StartOffset()
		}
	}

	var it *vfsrecovery.LogIterator
	if backward {
		it = vfsrecovery.NewBackwardIterator(storage, start)
	} else {
		it = vfsrecovery.NewForwardIterator(storage, start)
	}

	printed := 0
	for {
		if limit > 0 && printed >= limit {
			fmt.Printf("... (limit reached, %d printed)\n", printed)
			return
		}
		res, ok := it.Next()
		if !ok {
			if it.Poisoned() {
				fmt.Printf("stopped at position %d: %s\n", it.Position(), it.PoisonReason())
			} else {
				fmt.Printf("reached end of log at position %d\n", it.Position())
			}
			return
		}

		switch res.Outcome {
		case vfsrecovery.OutcomeComplete:
			fmt.Printf("%d\tComplete\t%s\n", it.Position(), res.Op)
		case vfsrecovery.OutcomeIncomplete:
			fmt.Printf("%d\tIncomplete\ttag=%d\n", it.Position(), res.Tag)
		case vfsrecovery.OutcomeInvalid:
			fmt.Printf("%d\tInvalid\t%s\n", it.Position(), res.Cause)
			if stopOnInvalid {
				return
			}
		}
		printed++
	}
}
