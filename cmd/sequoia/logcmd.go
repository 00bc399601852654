package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/spf13/cobra"
)

const (
	exportPageSize  = 1000
	importBatchSize = 1000
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Export or import the ownership event log",
	Long: `Dump the event log as JSON lines, one event per line in sequence order,
or load such a dump into the configured storage. Importing is idempotent:
events already present with identical content are skipped.`,
}

func init() {
	logExportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	logExportCmd.Flags().Uint64("after", 0, "Only export events with a sequence above this")

	logImportCmd.Flags().Bool("dry-run", false, "Validate the dump without writing")

	logCmd.AddCommand(logExportCmd)
	logCmd.AddCommand(logImportCmd)
}

var logExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the event log as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		after, _ := cmd.Flags().GetUint64("after")

		var out io.Writer = os.Stdout
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		ctx := cmd.Context()
		l, err := openStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer l.Close()

		n, err := exportEvents(ctx, l, after, out)
		if err != nil {
			return err
		}
		logger := log.WithComponent("log-export")
		logger.Info().Int("events", n).Msg("Export complete")
		return nil
	},
}

var logImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load a JSON lines dump into the event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		events, err := readDump(f)
		if err != nil {
			return err
		}
		logger := log.WithComponent("log-import")
		logger.Info().Str("file", args[0]).Int("events", len(events)).Msg("Dump parsed")
		if dryRun {
			fmt.Printf("[DRY RUN] %d events parsed, nothing written\n", len(events))
			return nil
		}

		ctx := cmd.Context()
		l, err := openStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer l.Close()

		inserted := 0
		for start := 0; start < len(events); start += importBatchSize {
			end := min(start+importBatchSize, len(events))
			n, err := l.Import(ctx, events[start:end])
			if err != nil {
				return fmt.Errorf("import events %d..%d: %w", events[start].Sequence, events[end-1].Sequence, err)
			}
			inserted += n
			logger.Debug().Int("done", end).Int("total", len(events)).Msg("Import progress")
		}

		fmt.Printf("Imported %d events (%d already present)\n", inserted, len(events)-inserted)
		return nil
	},
}

// exportEvents pages through the log and writes one JSON object per line
func exportEvents(ctx context.Context, l storage.Log, after uint64, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for {
		page, err := l.EventsAfter(ctx, after, exportPageSize)
		if err != nil {
			return n, err
		}
		for _, ev := range page {
			if err := enc.Encode(ev); err != nil {
				return n, err
			}
			after = ev.Sequence
			n++
		}
		if len(page) < exportPageSize {
			return n, bw.Flush()
		}
	}
}

// readDump parses a JSON lines dump, skipping blank lines
func readDump(r io.Reader) ([]types.OwnershipEvent, error) {
	var events []types.OwnershipEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev types.OwnershipEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if ev.Sequence == 0 {
			return nil, fmt.Errorf("line %d: event has no sequence", line)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
