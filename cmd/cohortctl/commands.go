package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cohorts/engine/internal/app"
)

// cliEnv decouples the command tree from how connections are opened.
type cliEnv struct {
	out     io.Writer
	connect func(ctx context.Context) (*app.Service, func(), error)
	migrate func(ctx context.Context, dryRun bool) ([]string, error)
}

func newRootCmd(env *cliEnv) *cobra.Command {
	root := &cobra.Command{
		Use:          "cohortctl",
		Short:        "Cohort membership maintenance",
		SilenceUsage: true,
	}
	root.AddCommand(
		newRecalculateCmd(env),
		newRecalculateStaleCmd(env),
		newResetStuckCmd(env),
		newImportStaticCmd(env),
		newMembersCmd(env),
		newPredicateCmd(env),
		newMigrateCmd(env),
	)
	return root
}

func newRecalculateCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <team-id> <cohort-id>",
		Short: "Materialize a new membership version for one cohort",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, cohortID, err := parseTarget(args)
			if err != nil {
				return err
			}
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				result, err := svc.Recalculate(cmd.Context(), teamID, cohortID)
				if err != nil {
					return err
				}
				return env.print(map[string]any{
					"cohortId":        result.CohortID,
					"version":         result.Version,
					"baselineVersion": result.BaselineVersion,
					"added":           result.Added,
					"removed":         result.Removed,
					"size":            result.Size,
					"durationMs":      result.Duration.Milliseconds(),
				})
			})
		},
	}
}

func newRecalculateStaleCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate-stale",
		Short: "Recalculate every cohort whose membership is older than the stale window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				report, err := svc.RecalculateStale(cmd.Context())
				if err != nil {
					return err
				}
				return env.print(report)
			})
		},
	}
}

func newResetStuckCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stuck",
		Short: "Clear calculation flags left behind by crashed workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				n, err := svc.ResetStuckCalculations(cmd.Context())
				if err != nil {
					return err
				}
				return env.print(map[string]any{"reset": n})
			})
		},
	}
}

func newImportStaticCmd(env *cliEnv) *cobra.Command {
	var key, file string
	cmd := &cobra.Command{
		Use:   "import-static <team-id> <cohort-id>",
		Short: "Load a CSV of distinct ids into a static cohort",
		Long: `Load a CSV of distinct ids into a static cohort.

The CSV is read from object storage with --key or from disk with --file.
Only the first column is used and a distinct_id header row is skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, cohortID, err := parseTarget(args)
			if err != nil {
				return err
			}
			if (key == "") == (file == "") {
				return fmt.Errorf("exactly one of --key or --file is required")
			}
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				var result app.ImportResult
				if file != "" {
					f, err := os.Open(filepath.Clean(file))
					if err != nil {
						return err
					}
					defer f.Close()
					result, err = svc.ImportStaticCSVReader(cmd.Context(), teamID, cohortID, f)
					if err != nil {
						return err
					}
				} else {
					result, err = svc.ImportStaticCSV(cmd.Context(), teamID, cohortID, key)
					if err != nil {
						return err
					}
				}
				return env.print(result)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "object key in the uploads bucket")
	cmd.Flags().StringVar(&file, "file", "", "path to a local CSV file")
	return cmd
}

func newMembersCmd(env *cliEnv) *cobra.Command {
	var after string
	var limit int
	cmd := &cobra.Command{
		Use:   "members <team-id> <cohort-id>",
		Short: "List one page of a static cohort's members",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, cohortID, err := parseTarget(args)
			if err != nil {
				return err
			}
			cursor := uuid.Nil
			if after != "" {
				if cursor, err = uuid.Parse(after); err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}
			}
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				rows, err := svc.ListStaticMembers(cmd.Context(), teamID, cohortID, cursor, limit)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(rows))
				for _, row := range rows {
					ids = append(ids, row.PersonID.String())
				}
				return env.print(map[string]any{"personIds": ids})
			})
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "return members after this person id")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size (max 1000)")
	return cmd
}

func newPredicateCmd(env *cliEnv) *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "predicate <team-id> <cohort-id>",
		Short: "Print the membership SQL fragment a query engine would embed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID, cohortID, err := parseTarget(args)
			if err != nil {
				return err
			}
			return env.withService(cmd.Context(), func(svc *app.Service) error {
				fragment, err := svc.MembershipFragment(cmd.Context(), teamID, cohortID, column, 1)
				if err != nil {
					return err
				}
				return env.print(map[string]any{"sql": fragment.SQL, "params": fragment.Args})
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "person_id", "person id column of the outer query")
	return cmd
}

func newMigrateCmd(env *cliEnv) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := env.migrate(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if versions == nil {
				versions = []string{}
			}
			if dryRun {
				return env.print(map[string]any{"pending": versions})
			}
			return env.print(map[string]any{"applied": versions})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}

func (e *cliEnv) withService(ctx context.Context, fn func(*app.Service) error) error {
	svc, closeFn, err := e.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

func (e *cliEnv) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTarget(args []string) (int64, int64, error) {
	teamID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || teamID <= 0 {
		return 0, 0, fmt.Errorf("invalid team id %q", args[0])
	}
	cohortID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || cohortID <= 0 {
		return 0, 0, fmt.Errorf("invalid cohort id %q", args[1])
	}
	return teamID, cohortID, nil
}
