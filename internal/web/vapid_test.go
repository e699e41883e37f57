package web

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureVAPIDKeysCreatesAndReuses(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureVAPIDKeys(dir)
	if err != nil {
		t.Fatalf("first EnsureVAPIDKeys failed: %v", err)
	}
	if first.PublicKey == "" || first.PrivateKey == "" {
		t.Fatal("expected generated keys to be non-empty")
	}

	second, err := EnsureVAPIDKeys(dir)
	if err != nil {
		t.Fatalf("second EnsureVAPIDKeys failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected persisted keys to be reused: %+v vs %+v", first, second)
	}

	if _, err := os.Stat(filepath.Join(dir, vapidKeysFile)); err != nil {
		t.Fatalf("expected vapid keys file to exist: %v", err)
	}
}

func TestEnsureVAPIDKeysRejectsEmptyDir(t *testing.T) {
	if _, err := EnsureVAPIDKeys(""); err == nil {
		t.Fatal("expected error for empty data directory")
	}
}

func TestEnsureVAPIDKeysRegeneratesIncompleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, vapidKeysFile)
	if err := os.WriteFile(path, []byte(`{"public_key":"only-half"}`), 0o600); err != nil {
		t.Fatalf("write incomplete file: %v", err)
	}

	keys, err := EnsureVAPIDKeys(dir)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys failed: %v", err)
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		t.Fatal("expected a complete keypair")
	}
	if keys.PublicKey == "only-half" {
		t.Fatal("expected incomplete keypair to be regenerated")
	}
}
