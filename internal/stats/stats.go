package stats

import (
	"context"
	"fmt"
	"math"

	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
	"clearance.org/internal/identity"
	"clearance.org/internal/routing"
)

// Source is the read side the aggregations need. Each method must answer from one
// consistent snapshot.
type Source interface {
	CountRequests(ctx context.Context, q clearance.Query) (clearance.Counts, error)
	CountByDomain(ctx context.Context) (map[string]clearance.Counts, error)
}

// Identities resolves the acting identity.
type Identities interface {
	Active(ctx context.Context, id string) (identity.Identity, error)
}

// PoolQueries maps a reviewer to the selection of requests in their pool.
type PoolQueries interface {
	PoolQuery(reviewer identity.Identity) (clearance.Query, error)
}

type RequesterStats struct {
	Completed  int `json:"completed"`
	Pending    int `json:"pending"`
	Rejected   int `json:"rejected"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

type ReviewerStats struct {
	TotalAssigned int `json:"total_assigned"`
	Cleared       int `json:"cleared"`
	Pending       int `json:"pending"`
	Rejected      int `json:"rejected"`
	Percentage    int `json:"percentage"`
}

type DomainStats struct {
	Domain string `json:"domain"`
	clearance.Counts
}

type SystemStats struct {
	Domains  []DomainStats `json:"domains"`
	Requests int           `json:"requests"`
}

// Snapshot holds exactly one of the per-role views.
type Snapshot struct {
	Role      auth.Role       `json:"role"`
	Requester *RequesterStats `json:"requester,omitempty"`
	Reviewer  *ReviewerStats  `json:"reviewer,omitempty"`
	System    *SystemStats    `json:"system,omitempty"`
}

type Service struct {
	source     Source
	identities Identities
	pools      PoolQueries
	catalog    *routing.Catalog
	model      *auth.Model
}

func NewService(source Source, identities Identities, pools PoolQueries, catalog *routing.Catalog, model *auth.Model) *Service {
	return &Service{source: source, identities: identities, pools: pools, catalog: catalog, model: model}
}

// ForActor computes the view matching the actor's role.
func (s *Service) ForActor(ctx context.Context, actorID string) (Snapshot, error) {
	actor, err := s.identities.Active(ctx, actorID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Role: actor.Role}
	switch actor.Role {
	case auth.RoleRequester:
		if err := s.model.Require(actor.Actor(), auth.CapViewOwnRequests); err != nil {
			return Snapshot{}, err
		}
		st, err := s.requester(ctx, actor)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Requester = &st
	case auth.RoleReviewer:
		if err := s.model.Require(actor.Actor(), auth.CapViewAssignedRequests); err != nil {
			return Snapshot{}, err
		}
		st, err := s.reviewer(ctx, actor)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Reviewer = &st
	case auth.RoleAdmin:
		if err := s.model.Require(actor.Actor(), auth.CapViewSystemActivities); err != nil {
			return Snapshot{}, err
		}
		st, err := s.system(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.System = &st
	default:
		return Snapshot{}, auth.Deny(actor.Actor(), auth.CapViewOwnRequests, "unknown role")
	}
	return snap, nil
}

func (s *Service) requester(ctx context.Context, actor identity.Identity) (RequesterStats, error) {
	c, err := s.source.CountRequests(ctx, clearance.Query{RequesterID: actor.ID})
	if err != nil {
		return RequesterStats{}, fmt.Errorf("stats: count requests: %w", err)
	}
	return RequesterFrom(c, s.catalog.Len()), nil
}

func (s *Service) reviewer(ctx context.Context, actor identity.Identity) (ReviewerStats, error) {
	q, err := s.pools.PoolQuery(actor)
	if err != nil {
		return ReviewerStats{}, err
	}
	c, err := s.source.CountRequests(ctx, q)
	if err != nil {
		return ReviewerStats{}, fmt.Errorf("stats: count requests: %w", err)
	}
	return ReviewerFrom(c), nil
}

func (s *Service) system(ctx context.Context) (SystemStats, error) {
	byDomain, err := s.source.CountByDomain(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("stats: count by domain: %w", err)
	}
	var out SystemStats
	for _, d := range s.catalog.Domains() {
		c := byDomain[d.Name]
		out.Domains = append(out.Domains, DomainStats{Domain: d.Name, Counts: c})
		out.Requests += c.Total()
	}
	return out, nil
}

// RequesterFrom derives requester completion against the number of domains.
// Percentage is rounded; zero domains yields zero.
func RequesterFrom(c clearance.Counts, domains int) RequesterStats {
	st := RequesterStats{Completed: c.Approved, Pending: c.Pending, Rejected: c.Rejected, Total: domains}
	if domains > 0 {
		st.Percentage = int(math.Round(float64(c.Approved) / float64(domains) * 100))
	}
	return st
}

// ReviewerFrom derives reviewer throughput. Percentage is floored; nothing assigned yields zero.
func ReviewerFrom(c clearance.Counts) ReviewerStats {
	st := ReviewerStats{TotalAssigned: c.Total(), Cleared: c.Approved, Pending: c.Pending, Rejected: c.Rejected}
	if st.TotalAssigned > 0 {
		st.Percentage = c.Approved * 100 / st.TotalAssigned
	}
	return st
}
