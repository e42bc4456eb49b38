package routing

import (
	"context"
	"fmt"
)

// Reviewer is the routing view of an identity.
type Reviewer struct {
	ID         string
	Department string
	DomainTag  string
	Reviewer   bool
	Active     bool
}

// Directory lists reviewer candidates for a domain tag. Implementations may pre-filter
// by department; the engine re-applies the full rule either way.
type Directory interface {
	ReviewersByDomain(ctx context.Context, domainTag string) ([]Reviewer, error)
}

// Engine resolves reviewer pools against a catalog.
type Engine struct {
	catalog *Catalog
	dir     Directory
}

func NewEngine(catalog *Catalog, dir Directory) *Engine {
	return &Engine{catalog: catalog, dir: dir}
}

// Catalog exposes the catalog the engine was built with.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// ResolveReviewerPool returns the reviewers eligible to decide a request for domain
// raised by a requester in requesterDepartment.
func (e *Engine) ResolveReviewerPool(ctx context.Context, domain, requesterDepartment string) ([]Reviewer, error) {
	d, err := e.catalog.Lookup(domain)
	if err != nil {
		return nil, err
	}
	candidates, err := e.dir.ReviewersByDomain(ctx, d.Name)
	if err != nil {
		return nil, fmt.Errorf("routing: list reviewers: %w", err)
	}
	var pool []Reviewer
	for _, r := range candidates {
		if match(d, r, requesterDepartment) {
			pool = append(pool, r)
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: domain %s department %q", ErrNoReviewerAvailable, d.Name, requesterDepartment)
	}
	return pool, nil
}

// InPool reports whether reviewer belongs to the pool for (domain, requesterDepartment).
// Unknown domains never match.
func (e *Engine) InPool(reviewer Reviewer, domain, requesterDepartment string) bool {
	d, err := e.catalog.Lookup(domain)
	if err != nil {
		return false
	}
	return match(d, reviewer, requesterDepartment)
}

// DepartmentScoped reports whether domain matching uses the requester's department.
func (e *Engine) DepartmentScoped(domain string) (bool, error) {
	d, err := e.catalog.Lookup(domain)
	if err != nil {
		return false, err
	}
	return d.Scope == ScopeDepartment, nil
}

func match(d Domain, r Reviewer, requesterDepartment string) bool {
	if !r.Reviewer || !r.Active {
		return false
	}
	if NormalizeDomain(r.DomainTag) != d.Name {
		return false
	}
	if d.Scope == ScopeInstitution {
		return true
	}
	dept := NormalizeDepartment(requesterDepartment)
	return dept != "" && NormalizeDepartment(r.Department) == dept
}
