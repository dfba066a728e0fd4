package cli

import (
	"path/filepath"
	"testing"

	"github.com/mistakeknot/huddle/internal/auth"
)

func TestInitKeysFileCreatesRoleKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	key, err := InitKeysFile(path, "worker")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	ring, err := auth.LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if role, ok := ring.RoleForKey(key); !ok || role != auth.RoleWorker {
		t.Fatalf("expected worker key, got %s ok=%v", role, ok)
	}
	if !ring.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost policy default true")
	}
}

func TestInitKeysFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, err := InitKeysFile(path, "client")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := InitKeysFile(path, "client")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct keys")
	}
	ring, err := auth.LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	for _, k := range []string{first, second} {
		if _, ok := ring.RoleForKey(k); !ok {
			t.Fatalf("key %q missing after append", k)
		}
	}
}

func TestInitKeysFileRejectsUnknownRole(t *testing.T) {
	if _, err := InitKeysFile(filepath.Join(t.TempDir(), "keys.yaml"), "admin"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
