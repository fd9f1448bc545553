package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/alloc"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
)

var (
	allocReq   alloc.AllocRequest
	allocCount int
	freeSkip   bool
)

// allocCmd allocates extents on the image
var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate one or more extents",
	Long: `alloc runs the allocator on the mounted image and marks the returned extents
allocated. --min and --max bound the size of each extent; the allocator may
return fewer than --max blocks unless --contig is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if allocReq.Max == 0 {
			allocReq.Max = allocReq.Min
		}
		s, err := openVolume(false)
		if err != nil {
			return err
		}

		var allocErr error
		for i := 0; i < allocCount; i++ {
			res, err := s.Volume.Allocate(allocReq)
			if err != nil {
				allocErr = err
				break
			}
			logger.LogDebug("Extent allocated", map[string]interface{}{
				"start": res.Extent.StartBlock,
				"count": res.Extent.BlockCount,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%d %d\n", res.Extent.StartBlock, res.Extent.BlockCount)
		}

		if err := s.Close(); allocErr == nil {
			allocErr = err
		}
		return allocErr
	},
}

// freeCmd returns an extent to the free pool
var freeCmd = &cobra.Command{
	Use:   "free START COUNT",
	Short: "Free an extent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid start block %q: %w", args[0], err)
		}
		count, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid block count %q: %w", args[1], err)
		}

		s, err := openVolume(false)
		if err != nil {
			return err
		}
		freeErr := s.Volume.Deallocate(uint32(start), uint32(count), alloc.DeallocOptions{SkipFreeBlocks: freeSkip})
		if err := s.Close(); freeErr == nil {
			freeErr = err
		}
		if freeErr != nil {
			return freeErr
		}
		logger.LogInfo("Extent freed", map[string]interface{}{"start": start, "count": count})
		return nil
	},
}

func init() {
	f := allocCmd.Flags()
	f.Uint32Var(&allocReq.Min, "min", 1, "Fewest blocks acceptable per extent")
	f.Uint32Var(&allocReq.Max, "max", 0, "Most blocks wanted per extent (default --min)")
	f.Uint32Var(&allocReq.Hint, "hint", 0, "Preferred start block")
	f.Uint32Var(&allocReq.Alignment, "align", 0, "Round short extents down to a multiple of this")
	f.Uint32Var(&allocReq.AlignmentOffset, "align-offset", 0, "Offset applied before alignment")
	f.BoolVar(&allocReq.Options.ForceContig, "contig", false, "Require one run of at least --min blocks")
	f.BoolVar(&allocReq.Options.TryHard, "try-hard", false, "Search exhaustively for the widest run")
	f.BoolVar(&allocReq.Options.MetaZone, "metazone", false, "Allow allocation inside the metadata zone")
	f.BoolVar(&allocReq.Options.FlushTxn, "flush-txn", false, "Reuse space freed by the open transaction")
	f.IntVarP(&allocCount, "count", "n", 1, "Number of extents to allocate")

	freeCmd.Flags().BoolVar(&freeSkip, "skip-free-blocks", false, "Leave the free block count untouched")

	rootCmd.AddCommand(allocCmd, freeCmd)
}
