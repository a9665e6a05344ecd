package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/planner"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <txn-id | plan.json>",
	Short: "Verify a transaction against the filesystem",
	Long: `Verify re-reads the filesystem and the catalog and classifies every
transaction entry as ok, drifted or unverifiable. Given a plan file, it
verifies the transactions recorded for that plan.

Examples:
  nodupe verify 01J3ZV9FV0Q5R8K2M7T1B6XWGA
  nodupe verify --fix plan.json`,
	Args: requireArgs(1, "a transaction id or plan file"),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().Bool("fix", false, "Roll back drifted entries from their pre-images")
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	fix, _ := cmd.Flags().GetBool("fix")

	txnIDs, err := resolveTxns(c.Catalog, args[0])
	if err != nil {
		return err
	}

	verifier := c.Verifier()
	clean := true
	for _, txnID := range txnIDs {
		var report *types.VerifyReport
		if fix {
			report, err = verifier.Fix(txnID)
		} else {
			report, err = verifier.Verify(txnID)
		}
		if err != nil {
			return err
		}
		printReport(report)
		if !report.AllOK() {
			clean = false
		}
	}

	if !clean {
		return fmt.Errorf("%w: transaction state diverges from the filesystem", errdefs.ErrDrift)
	}
	return nil
}

// resolveTxns accepts either a transaction id or a plan file and returns
// the transactions to verify
func resolveTxns(catalog storage.Catalog, arg string) ([]string, error) {
	if _, err := os.Stat(arg); err == nil {
		plan, err := planner.ReadPlan(arg)
		if err != nil {
			return nil, err
		}
		txns, err := catalog.ListTxns(storage.TxnFilter{PlanID: plan.PlanID})
		if err != nil {
			return nil, err
		}
		if len(txns) == 0 {
			return nil, fmt.Errorf("%w: no transactions for plan %s", errdefs.ErrNotFound, plan.PlanID)
		}
		ids := make([]string, 0, len(txns))
		for _, txn := range txns {
			ids = append(ids, txn.TxnID)
		}
		return ids, nil
	}

	if _, err := catalog.GetTxn(arg); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q is neither a transaction id nor a plan file", errdefs.ErrInvalidInput, arg)
		}
		return nil, err
	}
	return []string{arg}, nil
}

func printReport(report *types.VerifyReport) {
	fmt.Printf("Transaction %s:\n", report.TxnID)
	for _, entry := range report.Entries {
		if entry.Detail != "" {
			fmt.Printf("  seq %d: %s (%s)\n", entry.Seq, entry.State, entry.Detail)
		} else {
			fmt.Printf("  seq %d: %s\n", entry.Seq, entry.State)
		}
	}
}
