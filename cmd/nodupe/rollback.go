package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/verify"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <txn-id>",
	Short: "Reverse a transaction from its pre-images",
	Long: `Rollback restores every file the transaction mutated from the snapshot
store, in reverse order. Drifted targets refuse the rollback unless
--force promotes them to overwritten.

Examples:
  nodupe rollback 01J3ZV9FV0Q5R8K2M7T1B6XWGA
  nodupe rollback --only 3,4 01J3ZV9FV0Q5R8K2M7T1B6XWGA`,
	Args: requireArgs(1, "a transaction id"),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().Bool("force", false, "Restore over drifted targets")
	rollbackCmd.Flags().IntSlice("only", nil, "Roll back only these entry seqs")
}

func runRollback(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	force, _ := cmd.Flags().GetBool("force")
	only, _ := cmd.Flags().GetIntSlice("only")

	report, err := c.Verifier().Rollback(args[0], verify.RollbackOptions{
		OnlySeqs: only,
		Force:    force,
	})
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Transaction %s rolled back (%d entries)\n", args[0], len(report.Entries))
	return nil
}
