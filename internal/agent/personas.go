package agent

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"helios/internal/domain"
)

//go:embed roles.yaml
var defaultPersonas []byte

type Persona struct {
	Role         domain.Role `yaml:"role"`
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	SystemPrompt string      `yaml:"system_prompt"`
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

type Personas map[domain.Role]Persona

// DefaultPersonas returns the built-in role definitions.
func DefaultPersonas() Personas {
	p, err := ParsePersonas(defaultPersonas)
	if err != nil {
		panic(fmt.Sprintf("embedded roles.yaml: %v", err))
	}
	return p
}

// LoadPersonas reads a persona file and fills roles it does not define from
// the built-in set. An empty path returns the built-in set.
func LoadPersonas(path string) (Personas, error) {
	out := DefaultPersonas()
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas %s: %w", path, err)
	}
	custom, err := ParsePersonas(data)
	if err != nil {
		return nil, fmt.Errorf("personas %s: %w", path, err)
	}
	for role, p := range custom {
		out[role] = p
	}
	return out, nil
}

func ParsePersonas(data []byte) (Personas, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	out := make(Personas, len(file.Personas))
	for _, p := range file.Personas {
		switch p.Role {
		case domain.RoleAnalyst, domain.RoleResearcher, domain.RoleStrategist, domain.RoleAdaptor:
		default:
			return nil, fmt.Errorf("persona %q has unknown role %q", p.Name, p.Role)
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona for %s has no system prompt", p.Role)
		}
		out[p.Role] = p
	}
	return out, nil
}
