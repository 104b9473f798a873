package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetConfigDir returns ~/.config/trunk, creating it on first use.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers filename in the working directory and otherwise
// places it in the config directory, whether or not it exists there yet.
// Absolute paths are returned as they are.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}
