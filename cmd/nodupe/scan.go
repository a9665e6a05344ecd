package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/scan"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <root>...",
	Short: "Scan directory trees into the catalog",
	Long: `Scan walks one or more roots, fingerprints every candidate file and
commits the results to the catalog. Progressive hashing only fully reads
files that share a size and a quick-hash with a peer.

Examples:
  # Scan two photo libraries on an SSD
  nodupe scan ~/Photos /mnt/backup/Photos

  # Resume a cancelled scan of a slow disk
  nodupe scan --resume --media-profile hdd /mnt/archive`,
	Args: requireArgs(1, "at least one root path"),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("media-profile", "", "Storage medium: ssd, hdd, network, auto")
	scanCmd.Flags().Bool("resume", false, "Continue from the last checkpoint")
	scanCmd.Flags().Bool("embed", false, "Compute embedding vectors for similarity search")
	scanCmd.Flags().Uint16("workers", 0, "Hash worker count (0 = from media profile)")
	scanCmd.Flags().StringSlice("ignore", nil, "Glob patterns to skip, first match wins")
	scanCmd.Flags().Bool("follow-symlinks", false, "Descend into symlinked directories")
	scanCmd.Flags().Bool("cross-device", false, "Descend into directories on other devices")
}

func runScan(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	profile, _ := cmd.Flags().GetString("media-profile")
	resume, _ := cmd.Flags().GetBool("resume")
	embed, _ := cmd.Flags().GetBool("embed")
	workers, _ := cmd.Flags().GetUint16("workers")
	ignore, _ := cmd.Flags().GetStringSlice("ignore")
	followSymlinks, _ := cmd.Flags().GetBool("follow-symlinks")
	crossDevice, _ := cmd.Flags().GetBool("cross-device")

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	opts := scan.Options{
		Workers:        int(workers),
		MediaProfile:   types.MediaProfile(profile),
		Embed:          embed,
		Resume:         resume,
		IgnorePatterns: ignore,
		FollowSymlinks: followSymlinks,
		CrossDevice:    crossDevice,
		Progress: func(files, bytes uint64) {
			_ = bar.Set64(int64(files))
		},
	}

	result, err := c.Scanner(opts).Scan(c.Context(), args)
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		if result != nil {
			printScanResult(result)
		}
		return cancelledOK(err)
	}

	printScanResult(result)
	return nil
}

func printScanResult(r *scan.Result) {
	fmt.Printf("Scanned %d files (epoch %d)\n", r.FilesSeen, r.Epoch)
	fmt.Printf("  Full-hashed: %d files, %s (%s)\n",
		r.FullHashed, datasize.ByteSize(r.BytesHashed).HumanReadable(), r.HashAlgo)
	if r.EntryErrors > 0 {
		fmt.Printf("  Entry errors: %d (recorded on the affected records)\n", r.EntryErrors)
	}
}
