package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"contenthistory/internal/app"
	"contenthistory/internal/config"
	"contenthistory/internal/gitrepo"
	"contenthistory/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, revert) database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, false, func(cfg config.Config, rt *app.Runtime) error {
				dir := store.MigrationsDir(cfg.MigrationsDir, rt.Dialect)
				if down {
					if err := store.RollbackMigrations(cmd.Context(), rt.DB, dir); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Reverted migrations in %s\n", dir)
					return nil
				}
				if err := store.ApplyMigrations(cmd.Context(), rt.DB, dir); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied migrations from %s\n", dir)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Run down migrations instead")
	return cmd
}

func newTextCmd() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "text TYPE ID FIELD",
		Short: "Print a field's text at a version",
		Long:  "Reconstructs FIELD of the object TYPE:ID by replaying its diffs. Without --version the latest text is printed.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd, false, func(_ config.Config, rt *app.Runtime) error {
				text, err := rt.Engine.Reconstruct(cmd.Context(), ref, args[2], version)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				if text != "" && !strings.HasSuffix(text, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&version, "version", "v", 0, "Version to reconstruct (0 = latest)")
	return cmd
}

func newLogCmd() *cobra.Command {
	var (
		limit int
		field string
	)

	cmd := &cobra.Command{
		Use:   "log TYPE ID",
		Short: "List the recorded actions of an object, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd, false, func(_ config.Config, rt *app.Runtime) error {
				ctx := cmd.Context()
				actions, err := rt.Store.ListActions(ctx, store.ActionFilter{
					ConsumerType: ref.Type,
					ConsumerID:   ref.ID,
					Field:        field,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if len(actions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No history found.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tKIND\tACTOR\tORIGIN\tFIELDS")
				for _, a := range actions {
					diffs, err := rt.Store.ListDiffsForAction(ctx, a.ID)
					if err != nil {
						return err
					}
					fields := make([]string, 0, len(diffs))
					for _, d := range diffs {
						fields = append(fields, fmt.Sprintf("%s@%d", d.Field, d.Version))
					}
					sort.Strings(fields)
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						a.ID,
						a.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
						a.Kind,
						orDash(a.ActorName),
						orDash(a.Origin),
						strings.Join(fields, ", "),
					)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of actions")
	cmd.Flags().StringVarP(&field, "field", "f", "", "Only actions that changed this field")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "verify [TYPE ID]",
		Short: "Replay stored diffs and report inconsistencies",
		Long:  "Replays every field of one object, or of every object with history when no arguments are given.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or TYPE ID")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, false, func(_ config.Config, rt *app.Runtime) error {
				ctx := cmd.Context()
				if len(args) == 2 {
					ref, err := parseRef(args[0], args[1])
					if err != nil {
						return err
					}
					if err := rt.Engine.Verify(ctx, ref); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", ref)
					return nil
				}

				failures, err := rt.Engine.VerifyAll(ctx, workers)
				if err != nil {
					return err
				}
				if len(failures) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "All histories replay cleanly.")
					return nil
				}
				refs := make([]store.ConsumerRef, 0, len(failures))
				for ref := range failures {
					refs = append(refs, ref)
				}
				sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
				for _, ref := range refs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", ref, failures[ref])
				}
				return fmt.Errorf("%d inconsistent histories", len(failures))
			})
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Objects verified in parallel")
	return cmd
}

func newExportGitCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export-git TYPE ID",
		Short: "Rebuild an object's history as a git repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd, false, func(cfg config.Config, rt *app.Runtime) error {
				if dir == "" {
					dir = cfg.GitDir
				}
				snaps, err := rt.Engine.Snapshots(cmd.Context(), ref)
				if err != nil {
					return err
				}
				res, err := gitrepo.New(dir).ExportHistory(ref, snaps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d commits to %s (head %s)\n", res.Commits, res.Path, res.Head[:7])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Export root (defaults to HISTORY_GIT_DIR)")
	return cmd
}

func orDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}
