package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/mediaio"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/pipeline"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Ingest new and changed media under the content root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirArg(args)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				files, err := a.Scanner.Files(cmd.Context(), dir)
				if err != nil {
					return err
				}
				var progress func(string)
				if !quiet {
					bar := newBar(len(files), "scanning")
					defer bar.Finish()
					progress = func(string) { _ = bar.Add(1) }
				}

				stats, err := a.Scanner.Scan(cmd.Context(), dir, progress)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "\nScanned %d files in %s (%d unchanged, %d failed)\n",
					stats.Seen, stats.Duration.Round(time.Millisecond), stats.Known, stats.Failed)

				outcomes := make([]string, 0, len(stats.Outcomes))
				for o := range stats.Outcomes {
					outcomes = append(outcomes, string(o))
				}
				sort.Strings(outcomes)
				rows := make([][]string, 0, len(outcomes))
				for _, o := range outcomes {
					rows = append(rows, []string{o, fmt.Sprint(stats.Outcomes[pipeline.IngestOutcome(o)])})
				}
				if len(rows) > 0 {
					fmt.Fprintln(out, renderTable([]column{textCol("Outcome"), numCol("Files")}, rows))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}

func newHarvestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest [dir]",
		Short: "Queue a faces-only pass over every image to backfill the face table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dirArg(args)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				files, err := a.Scanner.Files(cmd.Context(), dir)
				if err != nil {
					return err
				}
				bar := newBar(len(files), "harvesting")
				queued, skipped := 0, 0
				for _, p := range files {
					if err := cmd.Context().Err(); err != nil {
						return err
					}
					_ = bar.Add(1)
					if kind, err := mediaio.Classify(p); err != nil || kind != models.KindImage {
						skipped++
						continue
					}
					if _, err := a.Coordinator.Harvest(cmd.Context(), p); err != nil {
						if hashing.IsHashError(err) {
							skipped++
							continue
						}
						return fmt.Errorf("harvest %s: %w", p, err)
					}
					queued++
				}
				_ = bar.Finish()
				fmt.Fprintf(cmd.OutOrStdout(), "\nQueued %d images for face harvest (%d skipped)\n", queued, skipped)
				return nil
			})
		},
	}
}

func dirArg(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	abs, err := filepath.Abs(args[0])
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}

// newBar renders to stderr, and stays silent when stderr is not a terminal.
func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(interactive(os.Stderr)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)
}

func interactive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
