package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rpattn/journaled/internal/app"
	"github.com/rpattn/journaled/internal/config"
	"github.com/rpattn/journaled/internal/db"
	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/export"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %s manages its schema on open, nothing to do\n", cfg.Database.Driver)
				return nil
			}
			if down > 0 {
				if err := db.RollbackMigrations(cfg.Database.Postgres, down); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", down)
				return nil
			}
			if err := db.RunMigrations(cfg.Database.Postgres); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <kind:id>",
		Short: "List the journal of an entity, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				entries, err := a.Engine.Journal().Entries(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No journal entries.")
					return nil
				}
				printHistory(cmd.OutOrStdout(), entries, limit)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries")
	return cmd
}

func printHistory(out io.Writer, entries []domain.JournalEntry, limit int) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCREATED\tAUTHOR\tFIELDS\tNOTES")
	shown := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && shown == limit {
			break
		}
		entry := entries[i]
		author := "-"
		if entry.AuthorID != nil {
			author = entry.AuthorID.String()
		}
		fields := strings.Join(entry.Changeset.Fields(), ",")
		if entry.IsInitial() && fields == "" {
			fields = "(initial)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			entry.Version,
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
			author,
			fields,
			firstLine(entry.Notes),
		)
		shown++
	}
	_ = w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func newShowCmd() *cobra.Command {
	var (
		flags    locatorFlags
		snapshot bool
	)
	cmd := &cobra.Command{
		Use:   "show <kind:id>",
		Short: "Print one journal entry, or the entity state at that version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			locator, err := flags.locator(cmd, domain.TagLatest)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				if !snapshot {
					entry, err := a.Engine.Journal().At(cmd.Context(), ref, locator)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), entry)
				}
				rec, err := a.Engine.Load(cmd.Context(), ref)
				if err != nil {
					return err
				}
				state, err := a.Engine.Reverter(ref.Kind).SnapshotAt(cmd.Context(), rec.Entity(), locator)
				if err != nil {
					return err
				}
				lines, err := state.CanonicalText()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s at version %d\n", ref, state.Version)
				for _, line := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "print the reconstructed entity instead of the entry")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var flags locatorFlags
	cmd := &cobra.Command{
		Use:   "diff <kind:id>",
		Short: "Show a unified diff between a past version and the current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			locator, err := flags.locator(cmd, domain.TagInitial)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				rec, err := a.Engine.Load(cmd.Context(), ref)
				if err != nil {
					return err
				}
				base, err := a.Engine.Reverter(ref.Kind).SnapshotAt(cmd.Context(), rec.Entity(), locator)
				if err != nil {
					return err
				}
				current := rec.Entity().Snapshot()
				diff, err := domain.DiffEntitySnapshots(
					fmt.Sprintf("version %d", base.Version), &base,
					fmt.Sprintf("version %d", current.Version), &current,
				)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "No differences.")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), diff)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRevertCmd() *cobra.Command {
	var (
		flags  locatorFlags
		actor  string
		notes  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "revert <kind:id>",
		Short: "Restore an entity to a past version, recording the revert as a new entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			locator, err := flags.locator(cmd, "")
			if err != nil {
				return err
			}
			who, err := parseActor(actor)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				rec, err := a.Engine.Load(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if dryRun {
					restoration, err := rec.Revert(cmd.Context(), locator)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "would move %s from version %d to %d\n", ref, restoration.From, restoration.To)
					for _, change := range restoration.Changes.Changes() {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v -> %v\n", change.Field, change.Old, change.New)
					}
					return nil
				}
				result, err := rec.RevertAndSave(cmd.Context(), who, locator, notes)
				if err != nil {
					return err
				}
				if result.Entry == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to revert (%s %s)\n", ref, result.Disposition, result.Reason)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: recorded version %d\n", ref, result.Entry.Version)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&actor, "actor", "", "id of the user performing the revert")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the new journal entry")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the restoration without saving")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <kind:id>",
		Short: "Write the journal of an entity as xlsx or csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			if output == "" {
				output = export.FileName(ref, f)
			}
			return withApp(cmd, func(a *app.App) error {
				var w io.Writer = cmd.OutOrStdout()
				if output != "-" {
					file, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("creating %s: %w", output, err)
					}
					defer file.Close()
					w = file
				}
				size, err := a.Exports.Write(cmd.Context(), w, ref, f)
				if err != nil {
					return err
				}
				if output != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", size, output)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatXLSX), "xlsx or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for stdout (default journal file name)")
	return cmd
}

func printJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
