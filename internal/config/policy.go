package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"clearance.org/internal/auth"
	"clearance.org/internal/routing"
)

// Policy is the immutable authorization and routing configuration shared by all components.
type Policy struct {
	Model   *auth.Model
	Catalog *routing.Catalog
}

type policyFile struct {
	Roles   map[string][]string `yaml:"roles"`
	Domains []routing.Domain    `yaml:"domains"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{Model: auth.DefaultModel(), Catalog: routing.DefaultCatalog()}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(bytes.NewReader(data))
}

// ParsePolicy decodes a policy document. Sections left out fall back to the built-in defaults;
// unknown keys, roles, capabilities and scopes are rejected.
func ParsePolicy(r io.Reader) (Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f policyFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("config: decode policy: %w", err)
	}

	p := DefaultPolicy()
	if len(f.Roles) > 0 {
		grants := make(map[auth.Role][]auth.Capability, len(f.Roles))
		for name, caps := range f.Roles {
			role, err := auth.ParseRole(name)
			if err != nil {
				return Policy{}, fmt.Errorf("config: policy: %w", err)
			}
			for _, c := range caps {
				capability, err := auth.ParseCapability(c)
				if err != nil {
					return Policy{}, fmt.Errorf("config: policy role %s: %w", role, err)
				}
				grants[role] = append(grants[role], capability)
			}
		}
		model, err := auth.NewModel(grants)
		if err != nil {
			return Policy{}, fmt.Errorf("config: policy: %w", err)
		}
		p.Model = model
	}
	if len(f.Domains) > 0 {
		catalog, err := routing.NewCatalog(f.Domains)
		if err != nil {
			return Policy{}, fmt.Errorf("config: policy: %w", err)
		}
		p.Catalog = catalog
	}
	return p, nil
}
