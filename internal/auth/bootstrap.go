package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult describes a keys file written by BootstrapKeys.
type BootstrapResult struct {
	KeysFile string
	Keys     map[Role]string
	Created  bool
}

// BootstrapKeys writes a keys file with one fresh key per role unless the
// file already exists.
func BootstrapKeys(keysPath string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	cfg := keysFile{Roles: make(map[Role]roleKeys)}
	keys := make(map[Role]string)
	for _, role := range []Role{RoleClient, RoleWorker} {
		key, err := generateKey()
		if err != nil {
			return nil, err
		}
		keys[role] = key
		cfg.Roles[role] = roleKeys{Keys: []string{key}}
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}
	return &BootstrapResult{KeysFile: keysPath, Keys: keys, Created: true}, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
