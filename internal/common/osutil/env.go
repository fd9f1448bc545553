// Package osutil answers questions about the environment the tool runs in.
package osutil

import "os"

// IsDevEnvironment reports whether the tool runs from a development checkout
func IsDevEnvironment() bool {
	return os.Getenv("HFSALLOC_ENV") == "development" ||
		os.Getenv("HFSALLOC_DEV") == "true" ||
		os.Getenv("DEV") == "true"
}

// IsPipeline reports whether the tool runs inside a CI/CD pipeline
func IsPipeline() bool {
	return os.Getenv("CI") == "true" ||
		os.Getenv("PIPELINE") == "true" ||
		os.Getenv("GITHUB_ACTIONS") == "true" ||
		os.Getenv("JENKINS_URL") != ""
}
