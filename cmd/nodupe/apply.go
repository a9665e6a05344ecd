package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/planner"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply <plan.json>",
	Short: "Apply a plan as one transaction",
	Long: `Apply executes a plan file as a single transaction: every mutated
file's pre-image is snapshotted before the filesystem changes, so the
whole transaction can be rolled back later.

Examples:
  nodupe apply plan.json
  nodupe apply --dry-run plan.json`,
	Args: requireArgs(1, "a plan file"),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().Bool("dry-run", false, "Snapshot nothing, mutate nothing, report what would happen")
	applyCmd.Flags().Bool("force", false, "Proceed when action targets are missing")
}

func runApply(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")

	plan, err := planner.ReadPlan(args[0])
	if err != nil {
		return err
	}

	result, err := c.Executor(dryRun, force).Apply(c.Context(), plan)
	if err != nil {
		if result != nil {
			fmt.Printf("Transaction %s is %s; inspect with: nodupe verify %s\n",
				result.Txn.TxnID, result.Txn.State, result.Txn.TxnID)
		}
		return err
	}

	if dryRun {
		fmt.Printf("Dry run of plan %s: %d actions\n", plan.PlanID, len(result.Entries))
		for _, entry := range result.Entries {
			fmt.Printf("  would %s %s", entry.Action.Kind, entry.Action.Path)
			switch entry.Action.Kind {
			case types.ActionMove:
				fmt.Printf(" -> %s", entry.Action.Dest)
			case types.ActionReplaceWithLink:
				fmt.Printf(" -> %s link to %s", entry.Action.LinkKind, entry.Action.KeeperPath)
			}
			fmt.Println()
		}
		return nil
	}

	fmt.Printf("Transaction %s committed (%d actions)\n", result.Txn.TxnID, len(result.Entries))
	return nil
}
