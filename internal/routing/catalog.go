package routing

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrUnsupportedDomain   = errors.New("routing: unsupported domain")
	ErrNoReviewerAvailable = errors.New("routing: no reviewer available")
	ErrInvalidCatalog      = errors.New("routing: invalid catalog")
)

// Scope decides whether reviewer matching considers the requester's department.
type Scope string

const (
	ScopeDepartment  Scope = "department"
	ScopeInstitution Scope = "institution"
)

// Priority is a display hint carried by each domain.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Domain is a named clearance category.
type Domain struct {
	Name     string   `json:"name" yaml:"name"`
	Scope    Scope    `json:"scope" yaml:"scope"`
	Priority Priority `json:"priority" yaml:"priority"`
}

// Catalog is the immutable set of clearance domains.
type Catalog struct {
	domains []Domain
	byName  map[string]Domain
}

// DefaultDomains returns the built-in project, lab and library domains.
func DefaultDomains() []Domain {
	return []Domain{
		{Name: "project", Scope: ScopeDepartment, Priority: PriorityHigh},
		{Name: "lab", Scope: ScopeDepartment, Priority: PriorityMedium},
		{Name: "library", Scope: ScopeInstitution, Priority: PriorityMedium},
	}
}

// DefaultCatalog builds a catalog from DefaultDomains.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(DefaultDomains())
	return c
}

// NewCatalog validates and freezes domains. Names are lower-cased and must be unique.
func NewCatalog(domains []Domain) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Domain, len(domains))}
	for _, d := range domains {
		d.Name = NormalizeDomain(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("%w: domain name is required", ErrInvalidCatalog)
		}
		if d.Scope != ScopeDepartment && d.Scope != ScopeInstitution {
			return nil, fmt.Errorf("%w: domain %s has unknown scope %q", ErrInvalidCatalog, d.Name, d.Scope)
		}
		switch d.Priority {
		case "":
			d.Priority = PriorityMedium
		case PriorityHigh, PriorityMedium, PriorityLow:
		default:
			return nil, fmt.Errorf("%w: domain %s has unknown priority %q", ErrInvalidCatalog, d.Name, d.Priority)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate domain %s", ErrInvalidCatalog, d.Name)
		}
		c.byName[d.Name] = d
		c.domains = append(c.domains, d)
	}
	return c, nil
}

// Lookup resolves a domain by name.
func (c *Catalog) Lookup(name string) (Domain, error) {
	if c == nil {
		return Domain{}, fmt.Errorf("%w: %q", ErrUnsupportedDomain, name)
	}
	d, ok := c.byName[NormalizeDomain(name)]
	if !ok {
		return Domain{}, fmt.Errorf("%w: %q", ErrUnsupportedDomain, name)
	}
	return d, nil
}

// Domains returns a copy in declaration order.
func (c *Catalog) Domains() []Domain {
	if c == nil {
		return nil
	}
	return slices.Clone(c.domains)
}

// Len is the number of domains, the denominator of requester completion.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.domains)
}

// NormalizeDomain lower-cases and trims a domain name or tag.
func NormalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeDepartment lower-cases and collapses internal whitespace so " Computer  Science" == "computer science".
func NormalizeDepartment(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
