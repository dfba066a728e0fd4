package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "huddle.keys.yaml"

// Role is what a bearer key may do.
type Role string

const (
	// RoleClient calls the session API on behalf of the web tier.
	RoleClient Role = "client"
	// RoleWorker subscribes to the notification feed.
	RoleWorker Role = "worker"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Roles map[Role]roleKeys `yaml:"roles"`
}

type roleKeys struct {
	Keys []string `yaml:"keys"`
}

type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToRole                 map[string]Role
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("HUDDLE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads a keys file, bootstrapping one with fresh keys when it
// does not exist. An empty path yields a localhost-only keyring.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := BootstrapKeys(path); err != nil {
			return nil, fmt.Errorf("bootstrap keys: %w", err)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for role, keys := range cfg.Roles {
		if role != RoleClient && role != RoleWorker {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToRole[key]; ok && existing != role {
				return nil, fmt.Errorf("key reused across roles: %q", key)
			}
			ring.keyToRole[key] = role
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToRole: make(map[string]Role)}
}

func NewKeyring(allowLocalhost bool, keyToRole map[string]Role) *Keyring {
	clone := make(map[string]Role, len(keyToRole))
	for k, v := range keyToRole {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToRole: clone}
}

func (k *Keyring) RoleForKey(key string) (Role, bool) {
	if k == nil {
		return "", false
	}
	role, ok := k.keyToRole[key]
	return role, ok
}

// KeyFor returns any key granted role, for processes that read the same
// keys file they authenticate with.
func (k *Keyring) KeyFor(role Role) string {
	if k == nil {
		return ""
	}
	for key, r := range k.keyToRole {
		if r == role {
			return key
		}
	}
	return ""
}
