// Package tooling opens volume images and mounts their allocators for programs that embed the
// allocator instead of running the CLI.
package tooling

import (
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-hfsalloc/internal/common/fsutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/common/plistutil"
	"github.com/deploymenttheory/go-hfsalloc/internal/config"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/alloc"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/blockcache"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/device"
	"github.com/deploymenttheory/go-hfsalloc/internal/hfs/journal"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
)

// GeometrySuffix names the plist sidecar that records an image's layout
const GeometrySuffix = ".geometry.plist"

// InitOptions contains options for initializing the tooling API
type InitOptions struct {
	ConfigFile  string // Path to configuration file
	Debug       bool   // Enable debug logging
	LogFormat   string // Log format: "human" or "json"
	LogFile     string // Path to log file
	SuppressLog bool   // Suppress all logging
}

var initialized bool

// Initialize initializes the tooling API with the given options
func Initialize(options InitOptions) error {
	if initialized {
		return nil // Already initialized
	}

	configErr := config.Initialize(options.ConfigFile)

	// Update config with provided options
	if options.Debug {
		config.Instance.Debug = true
	}
	if options.LogFormat != "" {
		config.Instance.LogFormat = options.LogFormat
	}
	if options.LogFile != "" {
		config.Instance.LogFile = options.LogFile
	}

	if !options.SuppressLog {
		logConfig := logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}
		if err := logger.InitLogger(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if configErr != nil {
			logger.LogWarn("Configuration initialization warning", map[string]interface{}{
				"error": configErr.Error(),
			})
		}
	}

	initialized = true
	return nil
}

// DefaultOptions returns the default initialization options
func DefaultOptions() InitOptions {
	return InitOptions{
		LogFormat:   "human",
		SuppressLog: true,
	}
}

// OpenOptions selects how an image is mounted. Zero values fall back to the configuration.
type OpenOptions struct {
	ReadOnly bool
	Journal  *bool
}

// Session is a mounted image
type Session struct {
	Image    string
	Geometry alloc.Geometry
	Volume   *alloc.Volume

	dev   device.Device
	cache *blockcache.Cache
	jnl   *journal.Journal
}

// LoadGeometry reads the image's sidecar, falling back to the configured geometry
func LoadGeometry(image string) (alloc.Geometry, error) {
	sidecar := image + GeometrySuffix
	if fsutil.FileExists(sidecar) {
		var g alloc.Geometry
		if err := plistutil.ReadFile(sidecar, &g); err != nil {
			return alloc.Geometry{}, err
		}
		return g, nil
	}
	g := config.Instance.Geometry()
	if g.TotalBlocks == 0 {
		return alloc.Geometry{}, fmt.Errorf("no geometry for %s: create it with format or set volume.total_blocks", image)
	}
	return g, nil
}

// Format creates image with every block free and writes its geometry sidecar. Paths ending in
// .db become bolt page stores.
func Format(image string, geom alloc.Geometry) error {
	if geom.TotalBlocks == 0 {
		return fmt.Errorf("volume.total_blocks must be set")
	}

	var dev device.Device
	var err error
	if strings.HasSuffix(image, ".db") {
		dev, err = device.OpenBolt(image, geom.DeviceSize(), false)
	} else {
		dev, err = device.CreateFile(image, geom.DeviceSize())
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", image, err)
	}
	defer dev.Close()

	if err := alloc.FormatBitmap(dev, geom); err != nil {
		return err
	}
	if err := plistutil.WriteFile(image+GeometrySuffix, geom, plistutil.FormatXML); err != nil {
		return err
	}
	logger.LogInfo("Volume formatted", map[string]interface{}{
		"image":        image,
		"block_size":   geom.BlockSize,
		"total_blocks": geom.TotalBlocks,
		"bytes":        geom.DeviceSize(),
	})
	return nil
}

// Open opens image and mounts its allocator using the configured mount options
func Open(image string, opts OpenOptions) (*Session, error) {
	geom, err := LoadGeometry(image)
	if err != nil {
		return nil, err
	}

	readOnly := opts.ReadOnly || config.Instance.Mount.ReadOnly
	dev, err := device.OpenImage(image, readOnly)
	if err != nil {
		return nil, err
	}
	if err := geom.Validate(dev.Size()); err != nil {
		dev.Close()
		return nil, err
	}

	s := &Session{
		Image:    image,
		Geometry: geom,
		dev:      dev,
		cache:    blockcache.New(dev, config.Instance.Cache.MaxBuffers),
	}

	mopts := config.Instance.MountOptions(geom)
	mopts.ReadOnly = readOnly
	mopts.Logger = logger.Logger.With("image", image)

	journaled := config.Instance.Mount.Journal
	if opts.Journal != nil {
		journaled = *opts.Journal
	}
	var jnl alloc.Journal
	if journaled && !readOnly {
		s.jnl = journal.New(s.cache, journal.Config{Unmap: mopts.Unmap})
		jnl = s.jnl
	}

	s.Volume, err = alloc.Mount(s.cache, geom.BitmapFile(), jnl, mopts)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to mount %s: %w", image, err)
	}
	logger.LogDebug("Volume mounted", map[string]interface{}{
		"image":        image,
		"total_blocks": geom.TotalBlocks,
		"journaled":    s.jnl != nil,
		"read_only":    readOnly,
	})
	return s, nil
}

// Journaled reports whether the session runs changes through a journal
func (s *Session) Journaled() bool {
	return s.jnl != nil
}

// Close unmounts the allocator and writes everything back to the device
func (s *Session) Close() error {
	err := s.Volume.Unmount()
	if ferr := s.cache.Flush(); err == nil {
		err = ferr
	}
	if serr := s.dev.Sync(); err == nil {
		err = serr
	}
	if cerr := s.dev.Close(); err == nil {
		err = cerr
	}
	return err
}
