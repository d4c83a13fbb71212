//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in secrets.toml in the data
// directory, one table per service. The file must stay private to its owner.

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.toml")
}

func openSecrets() (*fileBackend, error) {
	p := secretsFilePath()
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("secrets file not available: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s is readable by other users (mode %04o), run chmod 600 on it", p, perm)
	}
	return newFileBackend(p), nil
}

func keychainGet(service, account string) ([]byte, error) {
	b, err := openSecrets()
	if err != nil {
		return nil, err
	}
	val, ok, err := b.GetString(service + "." + account)
	if err != nil {
		return nil, fmt.Errorf("reading %s.%s: %w", service, account, err)
	}
	if !ok {
		return nil, fmt.Errorf("no %s.%s in %s", service, account, b.path)
	}
	return []byte(val), nil
}

// keychainSet stores value, or removes the entry when value is empty.
func keychainSet(service, account, value string) error {
	b := newFileBackend(secretsFilePath())
	key := service + "." + account
	if value == "" {
		return b.Delete(key)
	}
	if err := b.Set(key, value); err != nil {
		return fmt.Errorf("saving secret: %w", err)
	}
	// save keeps the mode of an existing file.
	return os.Chmod(b.path, 0o600)
}
