package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/huddle/internal/auth"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Roles map[auth.Role]roleKeys `yaml:"roles"`
}

type roleKeys struct {
	Keys []string `yaml:"keys"`
}

// InitKeysFile appends a fresh key for role to the keys file, creating the
// file if needed, and returns the key.
func InitKeysFile(path, role string) (string, error) {
	path = strings.TrimSpace(path)
	r := auth.Role(strings.TrimSpace(role))
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if r != auth.RoleClient && r != auth.RoleWorker {
		return "", fmt.Errorf("role must be %q or %q, got %q", auth.RoleClient, auth.RoleWorker, role)
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Roles == nil {
		cfg.Roles = make(map[auth.Role]roleKeys)
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	rk := cfg.Roles[r]
	rk.Keys = append(rk.Keys, key)
	cfg.Roles[r] = rk
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
