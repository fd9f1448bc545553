package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-hfsalloc/internal/common/fsutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/common/osutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/alloc"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "go-hfsalloc"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "HFSALLOC"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Volume image and geometry
	Volume struct {
		Image        string `mapstructure:"image"`
		BlockSize    uint32 `mapstructure:"block_size"`
		TotalBlocks  uint32 `mapstructure:"total_blocks"`
		BitmapIOSize uint32 `mapstructure:"bitmap_io_size"`
		BitmapOffset int64  `mapstructure:"bitmap_offset"`
		VolumeOffset int64  `mapstructure:"volume_offset"`
	} `mapstructure:"volume"`

	// Mount behaviour
	Mount struct {
		Unmap         bool   `mapstructure:"unmap"`
		SummaryTable  bool   `mapstructure:"summary_table"`
		MetadataZone  bool   `mapstructure:"metadata_zone"`
		MetazoneStart uint32 `mapstructure:"metazone_start"`
		MetazoneEnd   uint32 `mapstructure:"metazone_end"`
		ReadOnly      bool   `mapstructure:"read_only"`
		SparseDevice  bool   `mapstructure:"sparse_device"`
		Journal       bool   `mapstructure:"journal"`
		Strict        bool   `mapstructure:"strict"`
	} `mapstructure:"mount"`

	// Free extent cache
	Cache struct {
		MaxFreeExtents int `mapstructure:"max_free_extents"`
		MaxBuffers     int `mapstructure:"max_buffers"`
	} `mapstructure:"cache"`

	// Mount-time scan
	Scan struct {
		ChunkSize int `mapstructure:"chunk_size"`
		TrimBatch int `mapstructure:"trim_batch"`
	} `mapstructure:"scan"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	// Viper instance
	v *viper.Viper

	initOnce sync.Once
	mu       sync.Mutex
)

// Initialize sets up the configuration system. The first call loads the configuration; later
// calls with an explicit file reload from that file.
func Initialize(cfgFile string) error {
	var err error
	initOnce.Do(func() {
		err = load(cfgFile)
	})
	if err == nil && cfgFile != "" && ConfigFile != cfgFile {
		err = load(cfgFile)
	}
	return err
}

func load(cfgFile string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	setDefaults(nv)

	if cfgFile != "" {
		nv.SetConfigFile(cfgFile)
	} else {
		nv.SetConfigName(AppName)
		nv.SetConfigType("yaml")
		addSearchPaths(nv)
	}

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	var err error
	if readErr := nv.ReadInConfig(); readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			// Only report files that exist but could not be read
			err = fmt.Errorf("error reading config file: %w", readErr)
		}
		ConfigLoaded = false
		ConfigFile = ""
	} else {
		ConfigLoaded = true
		ConfigFile = nv.ConfigFileUsed()
	}

	var cfg AppConfig
	if unmarshalErr := nv.Unmarshal(&cfg); unmarshalErr != nil {
		return fmt.Errorf("error parsing config: %w", unmarshalErr)
	}
	Instance = cfg
	v = nv

	ensureDirectories()
	return err
}

// Viper returns the viper instance backing Instance, for flag binding
func Viper() *viper.Viper {
	if v == nil {
		_ = Initialize("")
	}
	return v
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")

	v.SetDefault("volume.image", "")
	v.SetDefault("volume.block_size", 4096)
	v.SetDefault("volume.total_blocks", 0)
	v.SetDefault("volume.bitmap_io_size", alloc.DefaultBitmapIOSize)
	v.SetDefault("volume.bitmap_offset", 0)
	v.SetDefault("volume.volume_offset", 0)

	v.SetDefault("mount.unmap", false)
	v.SetDefault("mount.summary_table", true)
	v.SetDefault("mount.metadata_zone", false)
	v.SetDefault("mount.metazone_start", 0)
	v.SetDefault("mount.metazone_end", 0)
	v.SetDefault("mount.read_only", false)
	v.SetDefault("mount.sparse_device", false)
	v.SetDefault("mount.journal", true)
	v.SetDefault("mount.strict", false)

	v.SetDefault("cache.max_free_extents", 10)
	v.SetDefault("cache.max_buffers", 256)

	v.SetDefault("scan.chunk_size", alloc.DefaultScanChunkSize)
	v.SetDefault("scan.trim_batch", alloc.DefaultTrimBatch)
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	// Always check current directory first
	v.AddConfigPath(".")

	if osutil.IsDevEnvironment() {
		if dir, err := fsutil.ConfigDir(AppName); err == nil {
			v.AddConfigPath(dir)
		}
		return
	}
	if osutil.IsPipeline() {
		v.AddConfigPath(fsutil.SystemConfigDir(AppName))
		return
	}

	if dir, err := fsutil.ConfigDir(AppName); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(fsutil.SystemConfigDir(AppName))
}

// ensureDirectories creates the log directory when a log file is configured
func ensureDirectories() {
	if Instance.LogFile == "" {
		return
	}
	if osutil.IsPipeline() {
		return
	}
	_ = fsutil.CreateDirIfNotExists(filepath.Dir(Instance.LogFile))
}

// DefaultLogFile returns the log file path used when logging to a file is requested without a
// path
func DefaultLogFile() string {
	dir, err := fsutil.LogDir(AppName)
	if err != nil {
		return filepath.Join("logs", AppName+".log")
	}
	return filepath.Join(dir, AppName+".log")
}

// ImagePath returns the configured image path with a leading ~ expanded
func (c *AppConfig) ImagePath() (string, error) {
	if c.Volume.Image == "" {
		return "", fmt.Errorf("no volume image configured (set volume.image or --image)")
	}
	return fsutil.ExpandTilde(c.Volume.Image)
}

// Geometry returns the volume layout described by the configuration. Offsets left at zero are
// derived from the block count.
func (c *AppConfig) Geometry() alloc.Geometry {
	g := alloc.NewGeometry(c.Volume.BlockSize, c.Volume.TotalBlocks, c.Volume.BitmapIOSize)
	if c.Volume.BitmapOffset != 0 {
		g.BitmapOffset = c.Volume.BitmapOffset
	}
	if c.Volume.VolumeOffset != 0 {
		g.VolumeOffset = c.Volume.VolumeOffset
	}
	return g
}

// MountOptions converts the configuration to allocator mount options for geometry g
func (c *AppConfig) MountOptions(g alloc.Geometry) alloc.MountOptions {
	opts := g.MountOptions()
	opts.Unmap = c.Mount.Unmap
	opts.SummaryTable = c.Mount.SummaryTable
	opts.MetadataZone = c.Mount.MetadataZone
	opts.MetazoneStart = c.Mount.MetazoneStart
	opts.MetazoneEnd = c.Mount.MetazoneEnd
	opts.ReadOnly = c.Mount.ReadOnly
	opts.SparseDevice = c.Mount.SparseDevice
	opts.Strict = c.Mount.Strict
	opts.MaxFreeExtents = c.Cache.MaxFreeExtents
	opts.ScanChunkSize = c.Scan.ChunkSize
	opts.TrimBatch = c.Scan.TrimBatch
	return opts
}
