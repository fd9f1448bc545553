// Package fsutil resolves the per-user and system directories the tool reads config from and
// writes logs to.
package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ConfigDir returns the per-user config directory for app
func ConfigDir(app string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, app), nil
}

// SystemConfigDir returns the system-wide config directory for app
func SystemConfigDir(app string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), app)
	}
	return filepath.Join("/etc", app)
}

// LogDir returns the per-user log directory for app
func LogDir(app string) (string, error) {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", app), nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, app, "logs"), nil
}

// CreateDirIfNotExists creates path and its parents
func CreateDirIfNotExists(path string) error {
	return os.MkdirAll(path, 0o755)
}

// FileExists reports whether path names an existing regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ExpandTilde replaces a leading ~ with the user's home directory
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
