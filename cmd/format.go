package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hfsalloc/internal/common/fsutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/config"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/alloc"
	"github.com/deploymenttheory/go-hfsalloc/pkg/tooling"
)

var formatForce bool

// formatCmd creates an image with an empty bitmap
var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create a volume image with every block free",
	Long: `format lays out a new image from the volume.* settings: the allocation
bitmap padded to whole bitmap pages, followed by the allocation blocks. The
layout is written next to the image as a property list sidecar so later
commands can mount it without repeating the geometry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := config.Instance.ImagePath()
		if err != nil {
			return err
		}
		if fsutil.FileExists(image) && !formatForce {
			return fmt.Errorf("%s exists; use --force to overwrite", image)
		}

		// Explicit flags override the configured geometry
		vol := &config.Instance.Volume
		if cmd.Flags().Changed("block-size") {
			vol.BlockSize, _ = cmd.Flags().GetUint32("block-size")
		}
		if cmd.Flags().Changed("blocks") {
			vol.TotalBlocks, _ = cmd.Flags().GetUint32("blocks")
		}
		if cmd.Flags().Changed("bitmap-io-size") {
			vol.BitmapIOSize, _ = cmd.Flags().GetUint32("bitmap-io-size")
		}

		geom := config.Instance.Geometry()
		if err := tooling.Format(image, geom); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d blocks of %d bytes\n", image, geom.TotalBlocks, geom.BlockSize)
		return nil
	},
}

func init() {
	formatCmd.Flags().Uint32("block-size", 4096, "Allocation block size in bytes")
	formatCmd.Flags().Uint32("blocks", 0, "Number of allocation blocks")
	formatCmd.Flags().Uint32("bitmap-io-size", alloc.DefaultBitmapIOSize, "Bitmap page size in bytes")
	formatCmd.Flags().BoolVar(&formatForce, "force", false, "Overwrite an existing image")

	rootCmd.AddCommand(formatCmd)
}
