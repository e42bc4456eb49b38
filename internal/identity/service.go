package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/events"
	"clearance.org/internal/ids"
	"clearance.org/internal/obs"
	"clearance.org/internal/routing"
)

// Credentials is the opaque credential verifier.
type Credentials interface {
	SetCredential(ctx context.Context, identityID, secret string) error
	VerifyCredential(ctx context.Context, identityID, secret string) (bool, error)
}

// Service implements activation, login and identity administration.
type Service struct {
	store   Store
	creds   Credentials
	model   *auth.Model
	events  events.Publisher
	now     func() time.Time
	newID   func() string
	auditFn audit.Sink
	catalog *routing.Catalog
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithAuditSink(fn audit.Sink) Option {
	return func(s *Service) {
		if fn != nil {
			s.auditFn = fn
		}
	}
}

// WithCatalog makes imports reject reviewer records whose domain tag is not in c.
func WithCatalog(c *routing.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

func NewService(store Store, creds Credentials, model *auth.Model, opts ...Option) *Service {
	s := &Service{
		store:   store,
		creds:   creds,
		model:   model,
		events:  events.Nop{},
		now:     time.Now,
		newID:   ids.New,
		auditFn: audit.LogEvent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate turns a matching eligibility record into exactly one identity.
func (s *Service) Activate(ctx context.Context, req ActivationRequest) (Activation, error) {
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Domain = routing.NormalizeDomain(req.Domain)
	if req.ExternalID == "" || req.Email == "" {
		return Activation{}, fmt.Errorf("%w: external id and email are required", ErrInvalidInput)
	}
	if req.Password == "" {
		return Activation{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	role, err := auth.ParseRole(string(req.Role))
	if err != nil {
		return Activation{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	rec, err := s.store.FindEligibility(ctx, req.ExternalID, req.Email)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveActivation("not_eligible")
		return Activation{}, ErrNotEligible
	}
	if err != nil {
		obs.ObserveActivation("error")
		return Activation{}, fmt.Errorf("identity: find eligibility: %w", err)
	}
	if !eligibleFor(rec, role, req.Domain) {
		obs.ObserveActivation("not_eligible")
		return Activation{}, ErrNotEligible
	}

	if existing, err := s.store.IdentityByExternalID(ctx, rec.ExternalID); err == nil {
		obs.ObserveActivation("already_activated")
		return Activation{Identity: existing, AlreadyActivated: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		obs.ObserveActivation("error")
		return Activation{}, fmt.Errorf("identity: lookup: %w", err)
	}

	now := s.now().UTC()
	candidate := Identity{
		ID:         s.newID(),
		ExternalID: rec.ExternalID,
		Email:      strings.ToLower(rec.Email),
		FullName:   rec.FullName,
		Role:       rec.Role,
		Department: strings.TrimSpace(rec.Department),
		DomainTag:  routing.NormalizeDomain(rec.DomainTag),
		Phone:      rec.Phone,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The credential is keyed by the candidate id, which is unreachable unless the insert wins.
	if err := s.creds.SetCredential(ctx, candidate.ID, req.Password); err != nil {
		obs.ObserveActivation("error")
		return Activation{}, fmt.Errorf("identity: set credential: %w", err)
	}
	stored, created, err := s.store.CreateIdentity(ctx, candidate)
	if err != nil {
		obs.ObserveActivation("error")
		return Activation{}, fmt.Errorf("identity: create: %w", err)
	}
	if !created {
		obs.ObserveActivation("already_activated")
		return Activation{Identity: stored, AlreadyActivated: true}, nil
	}

	obs.ObserveActivation("created")
	s.audit(ctx, "identity.activated", map[string]any{
		"identity_id": stored.ID,
		"external_id": stored.ExternalID,
		"role":        string(stored.Role),
	})
	s.publish(ctx, events.TopicIdentityActivated, map[string]any{
		"identity_id": stored.ID,
		"role":        stored.Role,
		"department":  stored.Department,
		"domain_tag":  stored.DomainTag,
	})
	return Activation{Identity: stored}, nil
}

// eligibleFor applies the role/domain selection rule. Requesters carry no domain tag so
// their claimed domain is ignored; reviewers and admins must match the record exactly.
func eligibleFor(rec EligibilityRecord, role auth.Role, domain string) bool {
	if rec.Status != EligibilityActive {
		return false
	}
	if rec.Role != role {
		return false
	}
	if role == auth.RoleRequester {
		return true
	}
	return routing.NormalizeDomain(rec.DomainTag) == domain
}

// Authenticate checks a login attempt. Unknown, inactive and mismatched all look the same.
func (s *Service) Authenticate(ctx context.Context, externalID, password string) (Identity, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" || password == "" {
		return Identity{}, auth.ErrInvalidCredentials
	}
	id, err := s.store.IdentityByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, err
	}
	if !id.Active {
		return Identity{}, auth.ErrInvalidCredentials
	}
	ok, err := s.creds.VerifyCredential(ctx, id.ID, password)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, auth.ErrInvalidCredentials
	}
	s.audit(ctx, "identity.login", map[string]any{"identity_id": id.ID})
	return id, nil
}

// Get returns an identity by id.
func (s *Service) Get(ctx context.Context, id string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.store.IdentityByID(ctx, id)
}

// Active loads an identity and refuses deactivated ones.
func (s *Service) Active(ctx context.Context, id string) (Identity, error) {
	v, err := s.Get(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	if !v.Active {
		return Identity{}, ErrInactive
	}
	return v, nil
}

func (s *Service) ChangePassword(ctx context.Context, actorID, oldPassword, newPassword string) error {
	actor, err := s.Active(ctx, actorID)
	if err != nil {
		return err
	}
	if err := s.model.Require(actor.Actor(), auth.CapChangeOwnPassword); err != nil {
		return err
	}
	if newPassword == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	ok, err := s.creds.VerifyCredential(ctx, actor.ID, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrInvalidCredentials
	}
	if err := s.creds.SetCredential(ctx, actor.ID, newPassword); err != nil {
		return fmt.Errorf("identity: set credential: %w", err)
	}
	s.audit(ctx, "identity.password_changed", map[string]any{"identity_id": actor.ID})
	return nil
}

// UpdateProfile edits the caller's own self-editable fields.
func (s *Service) UpdateProfile(ctx context.Context, actorID string, upd ProfileUpdate) (Identity, error) {
	actor, err := s.Active(ctx, actorID)
	if err != nil {
		return Identity{}, err
	}
	if err := s.model.Require(actor.Actor(), auth.CapEditOwnProfile); err != nil {
		return Identity{}, err
	}
	if upd.Empty() {
		return actor, nil
	}
	return s.store.UpdateProfile(ctx, actor.ID, upd, s.now().UTC())
}

// AdminUpdate edits another identity's profile fields within the admin's department.
func (s *Service) AdminUpdate(ctx context.Context, adminID, targetID string, upd ProfileUpdate) (Identity, error) {
	admin, target, err := s.adminScope(ctx, adminID, targetID)
	if err != nil {
		return Identity{}, err
	}
	if upd.Empty() {
		return target, nil
	}
	updated, err := s.store.UpdateProfile(ctx, target.ID, upd, s.now().UTC())
	if err != nil {
		return Identity{}, err
	}
	s.audit(ctx, "identity.admin_updated", map[string]any{"admin_id": admin.ID, "identity_id": target.ID})
	return updated, nil
}

// ListDepartment lists identities sharing the admin's department.
func (s *Service) ListDepartment(ctx context.Context, adminID string) ([]Identity, error) {
	admin, err := s.Active(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if err := s.model.Require(admin.Actor(), auth.CapManageIdentities); err != nil {
		return nil, err
	}
	return s.store.ListByDepartment(ctx, admin.Department)
}

// Deactivate is one-way. Admins cannot deactivate themselves.
func (s *Service) Deactivate(ctx context.Context, adminID, targetID string) (Identity, error) {
	if strings.TrimSpace(adminID) == strings.TrimSpace(targetID) {
		return Identity{}, fmt.Errorf("%w: cannot deactivate own account", ErrInvalidInput)
	}
	admin, target, err := s.adminScope(ctx, adminID, targetID)
	if err != nil {
		return Identity{}, err
	}
	if !target.Active {
		return target, nil
	}
	updated, err := s.store.Deactivate(ctx, target.ID, s.now().UTC())
	if err != nil {
		return Identity{}, err
	}
	s.audit(ctx, "identity.deactivated", map[string]any{"admin_id": admin.ID, "identity_id": target.ID})
	s.publish(ctx, events.TopicIdentityDeactivated, map[string]any{"identity_id": target.ID})
	return updated, nil
}

func (s *Service) adminScope(ctx context.Context, adminID, targetID string) (Identity, Identity, error) {
	admin, err := s.Active(ctx, adminID)
	if err != nil {
		return Identity{}, Identity{}, err
	}
	if err := s.model.Require(admin.Actor(), auth.CapManageIdentities); err != nil {
		return Identity{}, Identity{}, err
	}
	target, err := s.Get(ctx, targetID)
	if err != nil {
		return Identity{}, Identity{}, err
	}
	if routing.NormalizeDepartment(admin.Department) != routing.NormalizeDepartment(target.Department) {
		return Identity{}, Identity{}, auth.Deny(admin.Actor(), auth.CapManageIdentities, "identity outside admin department")
	}
	return admin, target, nil
}

// ImportEligibility loads a feed. Records already consumed by an activation are immutable.
func (s *Service) ImportEligibility(ctx context.Context, recs []EligibilityRecord) (ImportResult, error) {
	var res ImportResult
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		rec, err := normalizeRecord(rec)
		if err != nil {
			res.Rejected = append(res.Rejected, ImportReject{ExternalID: rec.ExternalID, Reason: err.Error()})
			continue
		}
		if _, dup := seen[rec.ExternalID]; dup {
			res.Rejected = append(res.Rejected, ImportReject{ExternalID: rec.ExternalID, Reason: "duplicate external id in feed"})
			continue
		}
		seen[rec.ExternalID] = struct{}{}
		if rec.Role == auth.RoleReviewer && s.catalog != nil {
			if _, err := s.catalog.Lookup(rec.DomainTag); err != nil {
				res.Rejected = append(res.Rejected, ImportReject{ExternalID: rec.ExternalID, Reason: err.Error()})
				continue
			}
		}

		outcome, err := s.store.UpsertEligibility(ctx, rec)
		switch {
		case errors.Is(err, ErrEligibilityConsumed), errors.Is(err, ErrConflict):
			res.Rejected = append(res.Rejected, ImportReject{ExternalID: rec.ExternalID, Reason: err.Error()})
			continue
		case err != nil:
			return res, fmt.Errorf("identity: import %s: %w", rec.ExternalID, err)
		}
		switch outcome {
		case OutcomeInserted:
			res.Inserted++
		case OutcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	obs.Logger().Info("eligibility import finished",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("rejected", len(res.Rejected)))
	return res, nil
}

func normalizeRecord(rec EligibilityRecord) (EligibilityRecord, error) {
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	rec.FullName = strings.TrimSpace(rec.FullName)
	rec.Department = strings.TrimSpace(rec.Department)
	rec.DomainTag = routing.NormalizeDomain(rec.DomainTag)
	rec.Phone = strings.TrimSpace(rec.Phone)
	if rec.ExternalID == "" || rec.Email == "" {
		return rec, fmt.Errorf("%w: external id and email are required", ErrInvalidInput)
	}
	role, err := auth.ParseRole(string(rec.Role))
	if err != nil {
		return rec, err
	}
	rec.Role = role
	switch EligibilityStatus(strings.ToLower(string(rec.Status))) {
	case "", EligibilityActive:
		rec.Status = EligibilityActive
	case EligibilityRevoked:
		rec.Status = EligibilityRevoked
	default:
		return rec, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, rec.Status)
	}
	if rec.Role == auth.RoleReviewer && rec.DomainTag == "" {
		return rec, fmt.Errorf("%w: reviewer record needs a domain tag", ErrInvalidInput)
	}
	if rec.Role == auth.RoleRequester {
		rec.DomainTag = ""
	}
	return rec, nil
}

func (s *Service) audit(ctx context.Context, event string, fields map[string]any) {
	if err := s.auditFn(ctx, event, fields); err != nil {
		obs.Logger().Warn("audit write failed", slog.String("event", event), slog.Any("err", err))
	}
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	e, err := events.New(topic, payload)
	if err == nil {
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		obs.Logger().Warn("event publish failed", slog.String("topic", topic), slog.Any("err", err))
	}
}

func sortByID(list []Identity) {
	slices.SortFunc(list, func(a, b Identity) int { return strings.Compare(a.ID, b.ID) })
}
