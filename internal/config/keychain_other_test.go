//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet(keychainService, keychainAccount); err == nil {
		t.Fatal("expected an error before any secret is stored")
	}
	if err := keychainSet(keychainService, keychainAccount, "tok-123"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(keychainService, keychainAccount)
	if err != nil {
		t.Fatalf("keychainGet: %v", err)
	}
	if string(got) != "tok-123" {
		t.Errorf("secret = %q", got)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %04o, want 0600", perm)
	}
	raw, err := os.ReadFile(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "[owlet]") {
		t.Errorf("secrets file is not keyed by service:\n%s", raw)
	}

	if err := keychainSet(keychainService, keychainAccount, ""); err != nil {
		t.Fatalf("clearing secret: %v", err)
	}
	if _, err := keychainGet(keychainService, keychainAccount); err == nil {
		t.Error("expected an error after the secret was cleared")
	}
}

func TestSecretsFileRejectsLoosePermissions(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	p := secretsFilePath()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("[owlet]\napi_token = \"leaked\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := keychainGet(keychainService, keychainAccount)
	if err == nil || !strings.Contains(err.Error(), "chmod 600") {
		t.Fatalf("err = %v, want a permissions error", err)
	}

	// Storing a secret tightens the mode again.
	if err := keychainSet(keychainService, keychainAccount, "fresh"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(keychainService, keychainAccount)
	if err != nil || string(got) != "fresh" {
		t.Errorf("secret = %q, err = %v", got, err)
	}
}
