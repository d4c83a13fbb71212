//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "owlet")
	}
	return "owlet-data"
}

func tokenHint() string {
	return " or macOS Keychain (service: owlet, account: api_token)"
}
