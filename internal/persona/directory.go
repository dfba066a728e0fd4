package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/huddle/internal/core"
)

//go:embed coaches.yaml
var defaultCoaches []byte

type directoryFile struct {
	Coaches []core.Persona `yaml:"coaches"`
}

// Directory resolves coach ids to personas.
type Directory struct {
	coaches map[string]core.Persona
}

// LoadDirectory reads a coaches yaml file. An empty path or a missing file
// yields the built-in coaches.
func LoadDirectory(path string) (*Directory, error) {
	data := defaultCoaches
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = raw
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read coaches: %w", err)
		}
	}
	return ParseDirectory(data)
}

func ParseDirectory(data []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse coaches: %w", err)
	}
	d := &Directory{coaches: make(map[string]core.Persona, len(f.Coaches))}
	for _, c := range f.Coaches {
		c.CoachID = strings.TrimSpace(c.CoachID)
		if c.CoachID == "" {
			return nil, errors.New("parse coaches: coach without id")
		}
		if _, dup := d.coaches[c.CoachID]; dup {
			return nil, fmt.Errorf("parse coaches: duplicate coach %q", c.CoachID)
		}
		d.coaches[c.CoachID] = c
	}
	return d, nil
}

func (d *Directory) Lookup(coachID string) (core.Persona, error) {
	p, ok := d.coaches[coachID]
	if !ok {
		return core.Persona{}, fmt.Errorf("coach %s: %w", coachID, core.ErrNotFound)
	}
	return p, nil
}

func (d *Directory) Len() int { return len(d.coaches) }
