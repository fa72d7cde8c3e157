package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/queue"
)

func newIdentitiesCommand(ctx *commandContext) *cobra.Command {
	var named bool
	var faces int

	cmd := &cobra.Command{
		Use:   "identities [id]",
		Short: "List identities, or the faces of one identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					id, err := strconv.ParseInt(args[0], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid identity id %q", args[0])
					}
					ident, err := a.Ledger.GetIdentity(cmd.Context(), id)
					if err != nil {
						return err
					}
					if ident == nil {
						return fmt.Errorf("identity %d not found", id)
					}
					views, err := a.Ledger.ListFaces(cmd.Context(), id, faces)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s (#%d, %d faces)\n", ident.DisplayName, ident.ClusterID, ident.FaceCount)
					rows := make([][]string, 0, len(views))
					for _, v := range views {
						rows = append(rows, []string{fmt.Sprint(v.FaceID), shortHash(v.ContentHash), v.SourcePath})
					}
					fmt.Fprintln(out, renderTable([]column{numCol("Face"), textCol("Hash"), textCol("Path")}, rows))
					return nil
				}

				identities, err := a.Ledger.ListIdentities(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(identities))
				for _, ident := range identities {
					if named && !ident.Named() {
						continue
					}
					rows = append(rows, []string{
						fmt.Sprint(ident.ClusterID),
						ident.DisplayName,
						fmt.Sprint(ident.FaceCount),
						ident.CreatedAt.Local().Format("2006-01-02"),
					})
				}
				fmt.Fprintln(out, renderTable([]column{numCol("ID"), textCol("Name"), numCol("Faces"), textCol("Created")}, rows))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&named, "named", false, "Only show labelled identities")
	cmd.Flags().IntVar(&faces, "faces", 20, "Faces to list for a single identity")
	return cmd
}

func newRenameCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Label an identity; an existing name merges the two",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid identity id %q", args[0])
			}
			name := strings.TrimSpace(strings.Join(args[1:], " "))
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Ledger.RenameIdentity(cmd.Context(), id, name)
				if err != nil {
					return err
				}
				a.Router.Notify(cmd.Context(), queue.NewEvent(queue.EventIdentityRenamed, "", map[string]any{
					"cluster_id": id,
					"target":     res.ClusterID,
					"name":       name,
					"merged":     res.Merged,
				}))
				if res.Merged {
					fmt.Fprintf(cmd.OutOrStdout(), "Merged #%d into #%d %q (%d faces moved)\n", id, res.ClusterID, name, res.FacesMoved)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed #%d to %q\n", id, name)
				return nil
			})
		},
	}
}

func newClusterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Re-cluster every stored face embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Clusterer.ClusterAll(cmd.Context())
				if err != nil {
					return err
				}
				a.Router.Notify(cmd.Context(), queue.NewEvent(queue.EventClusteringFinished, "", res))
				fmt.Fprintf(cmd.OutOrStdout(), "Clustered %d faces into %d identities with %s in %s (%d reassigned)\n",
					res.Faces, res.Clusters, res.Method, res.Duration.Round(time.Millisecond), res.Updated)
				return nil
			})
		},
	}
}

func newReindexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the identity index and its cached artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Index.Rebuild(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Identity index holds %d faces\n", a.Index.Size())
				return nil
			})
		},
	}
}
