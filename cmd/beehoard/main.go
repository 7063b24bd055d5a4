// Package main implements the beehoard CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/beehoard/beehoard/pkg/engine"
	"github.com/beehoard/beehoard/pkg/progress"
	"github.com/beehoard/beehoard/pkg/restore"
	"github.com/beehoard/beehoard/pkg/retention"
	"github.com/beehoard/beehoard/pkg/verify"
)

// Build-time variables set by ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "backup":
		err = backupCommand(os.Args[2:])
	case "restore":
		err = restoreCommand(os.Args[2:])
	case "rollback":
		err = rollbackCommand(os.Args[2:])
	case "prune":
		err = pruneCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	case "search":
		err = searchCommand(os.Args[2:])
	case "list":
		err = listCommand(os.Args[2:])
	case "compare":
		err = compareCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("beehoard %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commit)
}

func printUsage() {
	fmt.Printf(`beehoard v%s - content-addressed deduplicating backup engine

Usage:
  beehoard <command> [arguments]

Commands:
  backup   <repo> <source-root>                        Create a new snapshot of source-root
  restore  <repo> <snapshot-id> <target-dir> [flags]   Reconstruct a snapshot's files under target-dir
  rollback <repo> <snapshot-id> <target-dir> [flags]   Restore a snapshot and delete files not in it
  prune    <repo> [flags]                              Delete snapshots outside the retention policy
  verify   <repo> <snapshot-id> [--level chunks|files|chain]
                                                        Check a snapshot's stored data for corruption
  search   <repo> <query>                               Find files by path across every snapshot
  list     <repo>                                        List every snapshot in the repository
  compare  <repo> <snapshot-a> <snapshot-b>             Diff two snapshots' file sets
  stats    <repo>                                        Report chunk count and total bytes stored
  version                                                Show version information
  help                                                   Show this help message

Restore/rollback flags:
  --overwrite           Overwrite files that already exist at the target path
  --skip-existing       Leave existing files at the target path untouched
  --verify               Verify each restored file's digest against the catalog
  --include <pattern>   Only restore paths matching this doublestar glob
  --exclude <pattern>   Skip paths matching this doublestar glob
  --dry-run              Report what would happen without touching the filesystem

Prune flags:
  --keep-last <n>        Keep the n most recently created snapshots
  --max-age <duration>    Keep snapshots created within duration (e.g. 720h)
  --dry-run               Report what would be deleted without deleting it
  --cascade               Also delete snapshots whose only parent is being deleted

Examples:
  beehoard backup /var/lib/beehoard/repo ~/Documents
  beehoard restore /var/lib/beehoard/repo 01H... /tmp/restore-here
  beehoard prune /var/lib/beehoard/repo --keep-last 10 --max-age 720h

`, version)
}

// openRepo opens the repository at path with the engine's default config.
func openRepo(path string) (*engine.Engine, error) {
	return engine.Open(path, engine.DefaultConfig())
}

// stdoutSink is a progress.Sink that prints one line per file to stdout.
type stdoutSink struct{}

func (stdoutSink) OnFile(path string, bytes int64) { fmt.Printf("  %s (%d bytes)\n", path, bytes) }
func (stdoutSink) OnError(path string, err error)  { fmt.Printf("  %s: error: %v\n", path, err) }
func (stdoutSink) OnComplete()                     {}

func backupCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: beehoard backup <repo> <source-root>")
	}
	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Backup(context.Background(), args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot %s created\n", result.SnapshotID)
	fmt.Printf("  Files processed: %d (%d errored)\n", result.FilesProcessed, result.FilesWithErrors)
	fmt.Printf("  Bytes processed: %d\n", result.BytesProcessed)
	fmt.Printf("  Chunks created: %d, reused: %d\n", result.ChunksCreated, result.ChunksReused)
	for _, fe := range result.Errors {
		fmt.Printf("  %s: %v\n", fe.Path, fe.Err)
	}
	return nil
}

// parseRestoreFlags parses the flag portion of a restore/rollback command
// line, returning restore.Options built from whatever was given.
func parseRestoreFlags(args []string) (restore.Options, error) {
	opts := restore.Options{Concurrency: 4, Sink: progress.Discard}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--overwrite":
			opts.OverwriteExisting = true
		case "--skip-existing":
			opts.SkipExisting = true
		case "--verify":
			opts.VerifyIntegrity = true
		case "--dry-run":
			opts.DryRun = true
		case "--include":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--include requires a pattern")
			}
			opts.IncludePattern = args[i]
		case "--exclude":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--exclude requires a pattern")
			}
			opts.ExcludePattern = args[i]
		default:
			return opts, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return opts, nil
}

func restoreCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: beehoard restore <repo> <snapshot-id> <target-dir> [flags]")
	}
	opts, err := parseRestoreFlags(args[3:])
	if err != nil {
		return err
	}
	opts.Sink = stdoutSink{}

	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Restore(context.Background(), args[1], args[2], opts)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d files (%d skipped, %d errored)\n", result.FilesRestored, result.FilesSkipped, result.FilesErrored)
	return nil
}

func rollbackCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: beehoard rollback <repo> <snapshot-id> <target-dir> [flags]")
	}
	opts, err := parseRestoreFlags(args[3:])
	if err != nil {
		return err
	}
	opts.Sink = stdoutSink{}

	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Rollback(context.Background(), args[1], args[2], opts)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d files (%d skipped, %d errored)\n", result.FilesRestored, result.FilesSkipped, result.FilesErrored)
	if opts.DryRun {
		fmt.Printf("Would delete %d extraneous paths:\n", len(result.PlannedDeletions))
	} else {
		fmt.Printf("Deleted %d extraneous paths:\n", len(result.PlannedDeletions))
	}
	for _, p := range result.PlannedDeletions {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func pruneCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: beehoard prune <repo> [--keep-last n] [--max-age duration] [--dry-run] [--cascade]")
	}
	var policies []retention.Policy
	dryRun, cascade := false, false

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--keep-last":
			i++
			if i >= len(args) {
				return fmt.Errorf("--keep-last requires a count")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return fmt.Errorf("--keep-last: %w", err)
			}
			policies = append(policies, retention.KeepLast(n))
		case "--max-age":
			i++
			if i >= len(args) {
				return fmt.Errorf("--max-age requires a duration")
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("--max-age: %w", err)
			}
			policies = append(policies, retention.OlderThan(d))
		case "--dry-run":
			dryRun = true
		case "--cascade":
			cascade = true
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.Prune(context.Background(), policies, dryRun, cascade)
	if err != nil {
		return err
	}
	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	fmt.Printf("%s %d snapshots\n", verb, len(result.DeletedSnapshots))
	for _, id := range result.DeletedSnapshots {
		fmt.Printf("  %s\n", id)
	}
	for _, r := range result.Refused {
		fmt.Printf("  refused to delete %s: %v\n", r.SnapshotID, r.Err)
	}
	fmt.Printf("Chunks swept: %d\n", result.ChunksSwept)
	return nil
}

func verifyCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: beehoard verify <repo> <snapshot-id> [--level chunks|files|chain]")
	}
	level := verify.ChunksOnly
	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "--level":
			i++
			if i >= len(args) {
				return fmt.Errorf("--level requires a value")
			}
			switch args[i] {
			case "chunks":
				level = verify.ChunksOnly
			case "files":
				level = verify.FileHashes
			case "chain":
				level = verify.Chain
			default:
				return fmt.Errorf("--level must be chunks, files, or chain, got %q", args[i])
			}
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.Verify(context.Background(), args[1], level)
	if err != nil {
		return err
	}
	if report.OK {
		fmt.Println("OK")
		return nil
	}
	fmt.Println("FAILED")
	for _, ce := range report.ChunkErrors {
		fmt.Printf("  chunk %s: %v\n", ce.Digest, ce.Err)
	}
	for _, fe := range report.FileErrors {
		fmt.Printf("  file %s: %v\n", fe.Path, fe.Err)
	}
	if report.ChainError != nil {
		fmt.Printf("  chain: %v\n", report.ChainError)
	}
	return fmt.Errorf("verification failed")
}

func searchCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: beehoard search <repo> <query>")
	}
	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	matches, err := e.Search(args[1])
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Printf("%s  %s\n", m.SnapshotID, m.Path)
	}
	return nil
}

func listCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: beehoard list <repo>")
	}
	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	snapshots, err := e.ListSnapshots()
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		created := time.Unix(s.CreatedAt, 0).Format(time.RFC3339)
		fmt.Printf("%s  %-20s  %s  %d files  %d bytes\n", s.ID, s.Name, created, s.TotalFiles, s.TotalSize)
	}
	return nil
}

func compareCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: beehoard compare <repo> <snapshot-a> <snapshot-b>")
	}
	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	diffs, err := e.Compare(args[1], args[2])
	if err != nil {
		return err
	}
	for _, d := range diffs {
		fmt.Printf("%s  %s\n", d.Kind, d.Path)
	}
	return nil
}

func statsCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: beehoard stats <repo>")
	}
	e, err := openRepo(args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	st, err := e.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Total chunks: %d\n", st.TotalChunks)
	fmt.Printf("Total bytes:  %d\n", st.TotalBytes)
	return nil
}
