package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/planner"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var planCmd = &cobra.Command{
	Use:   "plan <strategy>",
	Short: "Build a duplicate-resolution plan from the catalog",
	Long: `Plan groups catalog entries into duplicate classes and resolves each
class under the given strategy, writing a reviewable plan artifact.

Strategies: keep_oldest_mtime, keep_newest_mtime, keep_shortest_path,
keep_longest_path, keep_first_root_in_config_order, keep_by_path_pattern.

Examples:
  nodupe plan keep_newest_mtime --out plan.json
  nodupe plan keep_by_path_pattern --priority-globs '/originals/**' --out plan.json`,
	Args: requireArgs(1, "a strategy name"),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringSlice("scope", nil, "Limit planning to these root paths")
	planCmd.Flags().StringSlice("keep", nil, "Globs of files that must be kept")
	planCmd.Flags().StringSlice("no-delete", nil, "Globs of files that must not be deleted")
	planCmd.Flags().String("link", "", "Replace non-keepers with links: hard or sym")
	planCmd.Flags().String("retention-dir", "", "Move non-keepers here instead of deleting")
	planCmd.Flags().String("priority-globs", "", "Priority globs for keep_by_path_pattern (comma-separated)")
	planCmd.Flags().String("out", "plan.json", "Plan artifact output path")
}

func runPlan(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	scopePaths, _ := cmd.Flags().GetStringSlice("scope")
	keep, _ := cmd.Flags().GetStringSlice("keep")
	noDelete, _ := cmd.Flags().GetStringSlice("no-delete")
	link, _ := cmd.Flags().GetString("link")
	retentionDir, _ := cmd.Flags().GetString("retention-dir")
	priorityGlobs, _ := cmd.Flags().GetString("priority-globs")
	out, _ := cmd.Flags().GetString("out")

	var linkKind types.LinkKind
	switch link {
	case "":
	case "hard":
		linkKind = types.LinkHard
	case "sym":
		linkKind = types.LinkSymbolic
	default:
		return fmt.Errorf("%w: --link must be hard or sym", errdefs.ErrInvalidInput)
	}

	var scopeRootIDs, rootOrder []string
	roots, err := c.Catalog.ListRoots()
	if err != nil {
		return err
	}
	for _, root := range roots {
		rootOrder = append(rootOrder, root.ID)
		for _, path := range scopePaths {
			if root.Path == path {
				scopeRootIDs = append(scopeRootIDs, root.ID)
			}
		}
	}
	if len(scopePaths) > 0 && len(scopeRootIDs) == 0 {
		return fmt.Errorf("%w: no scanned root matches the scope", errdefs.ErrInvalidInput)
	}

	strategy := types.Strategy{Name: args[0], Params: map[string]string{}}
	if priorityGlobs != "" {
		strategy.Params["priority_globs"] = priorityGlobs
	}

	plan, err := c.Planner().BuildPlan(planner.Options{
		Strategy: strategy,
		Constraints: types.Constraints{
			KeepGlobs:     keep,
			NoDeleteGlobs: noDelete,
			AllowHardlink: linkKind == types.LinkHard,
			AllowSymlink:  linkKind == types.LinkSymbolic,
			RetentionDir:  retentionDir,
		},
		ScopeRootIDs: scopeRootIDs,
		RootOrder:    rootOrder,
		LinkKind:     linkKind,
	})
	if err != nil {
		return err
	}

	if err := planner.WritePlan(out, plan); err != nil {
		return err
	}
	fmt.Printf("Plan %s written to %s (%d actions, catalog epoch %d)\n",
		plan.PlanID, out, len(plan.Actions), plan.CatalogEpoch)
	return nil
}
