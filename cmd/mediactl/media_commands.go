package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/pipeline"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger totals by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				stats, err := a.Ledger.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Media", fmt.Sprint(stats.Total)},
					{"Processed", fmt.Sprint(stats.Processed)},
					{"Pending", fmt.Sprint(stats.Pending)},
					{"Faces", fmt.Sprint(stats.Faces)},
					{"Unassigned faces", fmt.Sprint(stats.UnassignedFaces)},
					{"Identities", fmt.Sprint(stats.Identities)},
				}
				statuses := make([]string, 0, len(stats.ByStatus))
				for s := range stats.ByStatus {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				for _, s := range statuses {
					rows = append(rows, []string{"  " + s, fmt.Sprint(stats.ByStatus[models.OverallStatus(s)])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{textCol("Metric"), numCol("Count")}, rows))
				return nil
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "show [hash]",
		Short: "Print one media record, or list records in a status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					rec, err := a.Ledger.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if rec == nil {
						return fmt.Errorf("media %s not found", args[0])
					}
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(rec)
				}

				st := models.OverallStatus(strings.ToUpper(status))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				records, err := a.Ledger.ListByStatus(cmd.Context(), st, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						shortHash(r.ContentHash),
						r.SourcePath,
						string(r.DetectionStatus),
						string(r.CaptionStatus),
						r.LastUpdated.Local().Format("2006-01-02 15:04"),
						r.ErrorMessage,
					})
				}
				fmt.Fprintln(out, renderTable([]column{textCol("Hash"), textCol("Path"), textCol("Detection"), textCol("Caption"), textCol("Updated"), textCol("Error")}, rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.StatusErrorMetadata), "Status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to list")
	return cmd
}

func newRefinalizeCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "refinalize [hash...]",
		Short: "Queue the metadata write again for failed records",
		Long:  "Without arguments every ERROR_METADATA record (up to --limit) is queued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					n, err := a.Coordinator.RefinalizeFailed(cmd.Context(), limit)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Queued finalize for %d records\n", n)
					return nil
				}
				var failed []string
				for _, hash := range args {
					if err := a.Coordinator.Refinalize(cmd.Context(), hash); err != nil {
						if !errors.Is(err, pipeline.ErrNotFinalizable) {
							return err
						}
						failed = append(failed, err.Error())
						continue
					}
					fmt.Fprintf(out, "Queued finalize for %s\n", hash)
				}
				if len(failed) > 0 {
					return errors.New(strings.Join(failed, "\n"))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum records to queue")
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-drive records that stalled in a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Coordinator.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Examined %d stale records: %d requeued, %d deferred\n",
					res.Examined, res.Requeued, res.Deferred)
				return nil
			})
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
