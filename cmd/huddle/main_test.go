package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mistakeknot/huddle/internal/auth"
	"github.com/mistakeknot/huddle/internal/config"
	"github.com/mistakeknot/huddle/internal/core"
)

func TestInitCommandCreatesKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "huddle.keys.yaml")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--role", "worker", "--keys-file", keyPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init: %v", err)
	}

	ring, err := auth.LoadKeyring(keyPath)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	key := lines[len(lines)-1]
	if role, ok := ring.RoleForKey(key); !ok || role != auth.RoleWorker {
		t.Fatalf("printed key not granted worker role: %q", key)
	}
}

func TestInitCommandRejectsUnknownRole(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"init", "--role", "admin", "--keys-file", filepath.Join(t.TempDir(), "k.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestOpenSQLiteStore(t *testing.T) {
	cfg := &config.Config{Store: config.StoreSQLite, DBPath: filepath.Join(t.TempDir(), "nested", "huddle.db"), SweepEvery: 1 << 30}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := openStore(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.stop()

	if err := st.CreateSession(ctx, core.Session{ID: "s1", RoomID: "huddle-s1"}, 1<<40); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("db file: %v", err)
	}
	if st.redis != nil {
		t.Fatal("sqlite store should not expose redis")
	}
}
