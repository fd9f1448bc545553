package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-hfsalloc/internal/config"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
	"github.com/deploymenttheory/go-hfsalloc/pkg/tooling"
)

// Version is set at build time
var Version = "0.1.0"

var cfgFile string

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   "hfsalloc",
	Short: "Inspect and exercise the HFS+ block allocator on a volume image",
	Long: `hfsalloc mounts the allocation bitmap of a volume image and drives the
block allocator against it: format an empty image, scan it, allocate and free
extents, print allocator statistics and verify the bitmap against the
allocator's derived state.

Images may be raw files, bbolt page stores (.db) or xz, bzip2 and gzip
compressed raw images, which are loaded into memory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// If config file was explicitly specified via flag, reinitialize
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.Initialize(cfgFile); err != nil {
				return fmt.Errorf("error loading config file %s: %w", cfgFile, err)
			}
		}
		if err := bindFlags(cmd); err != nil {
			return err
		}

		// Flags win over the file and the environment
		if err := config.Viper().Unmarshal(&config.Instance); err != nil {
			return fmt.Errorf("error applying flags: %w", err)
		}

		return logger.InitLogger(logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		logger.LogError("Command execution failed", err, nil)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// flagKeys maps persistent flags to configuration keys
var flagKeys = map[string]string{
	"debug":         "debug",
	"log-format":    "log_format",
	"log-file":      "log_file",
	"image":         "volume.image",
	"read-only":     "mount.read_only",
	"unmap":         "mount.unmap",
	"journal":       "mount.journal",
	"sparse":        "mount.sparse_device",
	"strict":        "mount.strict",
	"summary-table": "mount.summary_table",
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file flag
	pf.StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")

	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-format", "human", "Log format: json or human")
	pf.String("log-file", "", "Also write logs to this file")
	pf.StringP("image", "i", "", "Volume image path")
	pf.Bool("read-only", false, "Mount the volume read-only")
	pf.Bool("journal", true, "Run allocator changes through the journal")
	pf.Bool("unmap", false, "Unmap freed space when the device supports it")
	pf.Bool("sparse", false, "Treat the device as sparse: prefer low block numbers")
	pf.Bool("strict", false, "Abort on bitmap corruption")
	pf.Bool("summary-table", true, "Maintain the bitmap summary table")

	if err := bindFlags(rootCmd); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(versionCmd)
}

// bindFlags binds the persistent flags to the current viper instance
func bindFlags(cmd *cobra.Command) error {
	v := config.Viper()
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// versionCmd shows the application version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hfsalloc v%s\n", Version)
	},
}

// openVolume mounts the configured image for a subcommand
func openVolume(readOnly bool) (*tooling.Session, error) {
	image, err := config.Instance.ImagePath()
	if err != nil {
		return nil, err
	}
	return tooling.Open(image, tooling.OpenOptions{ReadOnly: readOnly})
}
