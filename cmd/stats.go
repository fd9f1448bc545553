package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hfsalloc/internal/common/jsonutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/common/plistutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/alloc"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/types"
)

var (
	statsFormat  string
	verifyReport string
)

// scanCmd mounts the image and reports what the mount-time scan found
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the bitmap and report free space",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openVolume(true)
		if err != nil {
			return err
		}
		st := s.Volume.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "free blocks:   %d of %d\n", st.FreeBlocks, st.TotalBlocks)
		fmt.Fprintf(out, "full pages:    %d of %d\n", st.SummaryFullPages, st.SummaryPages)
		fmt.Fprintf(out, "largest runs:  %s\n", formatExtents(st.FreeExtents))
		return s.Close()
	},
}

// statsCmd prints the allocator state
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print allocator statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openVolume(true)
		if err != nil {
			return err
		}
		st := s.Volume.Stats()
		if err := s.Close(); err != nil {
			return err
		}
		return writeStats(cmd.OutOrStdout(), st, statsFormat)
	},
}

// verifyCmd cross-checks the derived allocator state against the bitmap
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify counters, caches and the summary table against the bitmap",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openVolume(true)
		if err != nil {
			return err
		}
		rep, verr := s.Volume.Verify()
		digest, derr := s.Volume.BitmapDigest()
		if err := s.Close(); verr == nil {
			verr = err
		}
		if verr != nil {
			return verr
		}
		if derr != nil {
			return derr
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "bitmap digest: %s\n", digest)
		fmt.Fprintf(out, "free blocks:   counted %d, recorded %d\n", rep.CountedFreeBlocks, rep.RecordedFreeBlocks)
		for _, e := range rep.CacheErrors {
			fmt.Fprintf(out, "cache:   %s\n", e)
		}
		for _, e := range rep.SummaryErrors {
			fmt.Fprintf(out, "summary: %s\n", e)
		}
		if verifyReport != "" {
			if err := jsonutil.WriteFile(verifyReport, rep); err != nil {
				return err
			}
		}
		if !rep.OK() {
			return fmt.Errorf("%s failed verification", s.Image)
		}
		return nil
	},
}

// writeStats renders st as human readable text, JSON or an XML property list
func writeStats(w io.Writer, st alloc.Stats, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return jsonutil.Encode(w, st)
	case "plist":
		return plistutil.Encode(w, st, plistutil.FormatXML)
	case "human", "":
		fmt.Fprintf(w, "total blocks:        %d\n", st.TotalBlocks)
		fmt.Fprintf(w, "free blocks:         %d\n", st.FreeBlocks)
		fmt.Fprintf(w, "tentative blocks:    %d (%d reservations)\n", st.TentativeBlocks, st.TentativeReservations)
		fmt.Fprintf(w, "locked blocks:       %d (%d reservations)\n", st.LockedBlocks, st.LockedReservations)
		fmt.Fprintf(w, "pending free blocks: %d\n", st.PendingFreeBlocks)
		fmt.Fprintf(w, "next allocation:     %d\n", st.NextAllocation)
		fmt.Fprintf(w, "allocation limit:    %d\n", st.AllocLimit)
		fmt.Fprintf(w, "summary pages:       %d (%d full)\n", st.SummaryPages, st.SummaryFullPages)
		fmt.Fprintf(w, "free extent cache:   %s\n", formatExtents(st.FreeExtents))
		if st.Inconsistent {
			fmt.Fprintln(w, "volume needs a consistency check")
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want human, json or plist)", format)
	}
}

func formatExtents(exts []types.Extent) string {
	if len(exts) == 0 {
		return "none"
	}
	parts := make([]string, len(exts))
	for i, e := range exts {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}

func init() {
	statsCmd.Flags().StringVarP(&statsFormat, "format", "f", "human", "Output format: human, json or plist")
	verifyCmd.Flags().StringVar(&verifyReport, "report", "", "Also write the verification report to this JSON file")

	rootCmd.AddCommand(scanCmd, statsCmd, verifyCmd)
}
