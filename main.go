package main

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/go-hfsalloc/cmd"
	"github.com/deploymenttheory/go-hfsalloc/internal/config"
	"github.com/deploymenttheory/go-hfsalloc/internal/logger"
)

func main() {
	// Get app configuration file from environment if specified
	configFile := os.Getenv("HFSALLOC_CONFIG")

	// 1. Initialize application configuration
	if err := config.Initialize(configFile); err != nil {
		// For app configuration errors, we print to stderr and exit since we can't continue
		fmt.Fprintf(os.Stderr, "Error initializing configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging based on application configuration. Commands reinitialize it once
	// flags are parsed.
	if err := logger.InitLogger(logger.LoggerConfig{
		Debug:     config.Instance.Debug,
		LogFormat: config.Instance.LogFormat,
		LogFile:   config.Instance.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// 3. Run the CLI
	code := cmd.Execute()

	// Ensure logs are flushed before exit
	logger.Sync()
	os.Exit(code)
}
