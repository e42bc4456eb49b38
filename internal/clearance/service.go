package clearance

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/events"
	"clearance.org/internal/identity"
	"clearance.org/internal/ids"
	"clearance.org/internal/obs"
	"clearance.org/internal/routing"
)

// Identities resolves actors. identity.Service satisfies it.
type Identities interface {
	Active(ctx context.Context, id string) (identity.Identity, error)
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// Service is the request/decision state machine.
type Service struct {
	store       Store
	identities  Identities
	engine      *routing.Engine
	model       *auth.Model
	events      events.Publisher
	auditFn     audit.Sink
	now         func() time.Time
	corrections bool
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
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

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithReviewerCorrections controls whether a reviewer may flip an existing verdict.
func WithReviewerCorrections(enabled bool) Option {
	return func(s *Service) { s.corrections = enabled }
}

func NewService(store Store, identities Identities, engine *routing.Engine, model *auth.Model, opts ...Option) *Service {
	s := &Service{
		store:       store,
		identities:  identities,
		engine:      engine,
		model:       model,
		events:      events.Nop{},
		auditFn:     audit.LogEvent,
		now:         time.Now,
		corrections: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a pending request once a non-empty reviewer pool exists for it.
func (s *Service) Submit(ctx context.Context, requesterID, domain, documentRef string) (Request, error) {
	requester, err := s.identities.Active(ctx, requesterID)
	if err != nil {
		return Request{}, err
	}
	if err := s.model.Require(requester.Actor(), auth.CapSubmitRequest); err != nil {
		return Request{}, err
	}
	documentRef = strings.TrimSpace(documentRef)
	if documentRef != "" {
		if err := s.model.Require(requester.Actor(), auth.CapUploadDocuments); err != nil {
			return Request{}, err
		}
	}
	d, err := s.engine.Catalog().Lookup(domain)
	if err != nil {
		obs.ObserveSubmissionReject("unknown", "unsupported_domain")
		return Request{}, err
	}
	if _, err := s.engine.ResolveReviewerPool(ctx, d.Name, requester.Department); err != nil {
		if errors.Is(err, routing.ErrNoReviewerAvailable) {
			obs.ObserveSubmissionReject(d.Name, "no_reviewer")
		}
		return Request{}, err
	}

	now := s.now().UTC()
	req, err := s.store.CreateRequest(ctx, Request{
		ID:          ids.New(),
		RequesterID: requester.ID,
		Domain:      d.Name,
		Department:  requester.Department,
		DocumentRef: documentRef,
		Status:      StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	})
	if errors.Is(err, ErrDuplicateRequest) {
		obs.ObserveSubmissionReject(d.Name, "duplicate")
		return Request{}, fmt.Errorf("%w: requester already has a %s request", ErrDuplicateRequest, d.Name)
	}
	if err != nil {
		return Request{}, fmt.Errorf("clearance: create request: %w", err)
	}
	req.Priority = d.Priority

	obs.ObserveSubmission(d.Name)
	s.publish(ctx, events.TopicRequestSubmitted, map[string]any{
		"request_id":   req.ID,
		"requester_id": req.RequesterID,
		"domain":       req.Domain,
		"department":   req.Department,
	})
	return req, nil
}

// Decide records a reviewer's verdict. The capability must match the verdict and the
// reviewer must belong to the request's pool.
//
// An identical verdict refreshes remarks in place. A different verdict is a correction:
// the single decision is overwritten, its revision bumped and the change audited.
func (s *Service) Decide(ctx context.Context, reviewerID, requestID string, verdict Status, remarks string) (Decision, error) {
	reviewer, err := s.identities.Active(ctx, reviewerID)
	if err != nil {
		return Decision{}, err
	}
	if !verdict.Terminal() {
		return Decision{}, fmt.Errorf("%w: verdict must be approved or rejected", ErrInvalidInput)
	}
	capability := auth.CapApproveRequests
	if verdict == StatusRejected {
		capability = auth.CapRejectRequests
	}
	if err := s.model.Require(reviewer.Actor(), capability); err != nil {
		return Decision{}, err
	}
	req, err := s.store.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return Decision{}, err
	}
	if !s.engine.InPool(reviewer.Reviewer(), req.Domain, req.Department) {
		return Decision{}, auth.Deny(reviewer.Actor(), capability, "request outside reviewer pool")
	}

	remarks = strings.TrimSpace(remarks)
	now := s.now().UTC()
	updated, w, err := s.store.Decide(ctx, req.ID, func(cur Request) (DecisionWrite, error) {
		next := Decision{
			RequestID:  cur.ID,
			ReviewerID: reviewer.ID,
			Status:     verdict,
			Remarks:    remarks,
			DecidedAt:  now,
			Revision:   1,
		}
		if cur.Decision == nil {
			return DecisionWrite{Decision: next, Kind: KindFirst, ActorID: reviewer.ID}, nil
		}
		prev := *cur.Decision
		if prev.Overridden {
			return DecisionWrite{}, fmt.Errorf("%w: request %s was overridden by an admin", ErrAlreadyDecided, cur.ID)
		}
		if prev.Status == verdict {
			if prev.ReviewerID != reviewer.ID {
				// Agreeing with another reviewer leaves their decision and trail untouched.
				return DecisionWrite{Decision: prev, Kind: KindRepeat, ActorID: reviewer.ID}, nil
			}
			next.Revision = prev.Revision
			return DecisionWrite{Decision: next, Kind: KindRepeat, ActorID: reviewer.ID}, nil
		}
		if !s.corrections {
			return DecisionWrite{}, fmt.Errorf("%w: request %s is %s", ErrAlreadyDecided, cur.ID, prev.Status)
		}
		next.Revision = prev.Revision + 1
		return DecisionWrite{Decision: next, Kind: KindCorrection, ActorID: reviewer.ID}, nil
	})
	if err != nil {
		return Decision{}, err
	}

	obs.ObserveDecision(updated.Domain, string(verdict), string(w.Kind))
	if w.Kind == KindCorrection {
		s.audit(ctx, "clearance.decision.corrected", map[string]any{
			"request_id":  updated.ID,
			"reviewer_id": reviewer.ID,
			"status":      string(verdict),
			"revision":    w.Decision.Revision,
		})
	}
	if w.Kind != KindRepeat {
		s.publish(ctx, events.TopicDecisionRecorded, map[string]any{
			"request_id":  updated.ID,
			"reviewer_id": reviewer.ID,
			"status":      verdict,
			"kind":        w.Kind,
			"revision":    w.Decision.Revision,
		})
	}
	return w.Decision, nil
}

// Override lets an admin replace a recorded verdict within the admin's department. Always audited.
func (s *Service) Override(ctx context.Context, adminID, requestID string, verdict Status, reason string) (Decision, error) {
	admin, err := s.identities.Active(ctx, adminID)
	if err != nil {
		return Decision{}, err
	}
	if err := s.model.Require(admin.Actor(), auth.CapOverrideDecisions); err != nil {
		return Decision{}, err
	}
	if !verdict.Terminal() {
		return Decision{}, fmt.Errorf("%w: verdict must be approved or rejected", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Decision{}, fmt.Errorf("%w: override reason is required", ErrInvalidInput)
	}
	req, err := s.store.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return Decision{}, err
	}
	if routing.NormalizeDepartment(admin.Department) != routing.NormalizeDepartment(req.Department) {
		return Decision{}, auth.Deny(admin.Actor(), auth.CapOverrideDecisions, "request outside admin department")
	}

	now := s.now().UTC()
	var previous Status
	updated, w, err := s.store.Decide(ctx, req.ID, func(cur Request) (DecisionWrite, error) {
		if cur.Decision == nil {
			return DecisionWrite{}, fmt.Errorf("%w: request %s has no decision to override", ErrInvalidInput, cur.ID)
		}
		prev := *cur.Decision
		previous = prev.Status
		return DecisionWrite{
			Decision: Decision{
				RequestID:  cur.ID,
				ReviewerID: prev.ReviewerID,
				Status:     verdict,
				Remarks:    reason,
				DecidedAt:  now,
				Revision:   prev.Revision + 1,
				Overridden: true,
			},
			Kind:    KindOverride,
			ActorID: admin.ID,
		}, nil
	})
	if err != nil {
		return Decision{}, err
	}

	obs.ObserveDecision(updated.Domain, string(verdict), string(KindOverride))
	s.audit(ctx, "clearance.decision.overridden", map[string]any{
		"request_id": updated.ID,
		"admin_id":   admin.ID,
		"from":       string(previous),
		"to":         string(verdict),
		"reason":     reason,
		"revision":   w.Decision.Revision,
	})
	s.publish(ctx, events.TopicDecisionOverridden, map[string]any{
		"request_id": updated.ID,
		"admin_id":   admin.ID,
		"status":     verdict,
		"revision":   w.Decision.Revision,
	})
	return w.Decision, nil
}

// Get returns a request visible to the actor.
func (s *Service) Get(ctx context.Context, actorID, requestID string) (Request, error) {
	_, req, err := s.visible(ctx, actorID, requestID)
	return req, err
}

func (s *Service) visible(ctx context.Context, actorID, requestID string) (identity.Identity, Request, error) {
	actor, err := s.identities.Active(ctx, actorID)
	if err != nil {
		return identity.Identity{}, Request{}, err
	}
	req, err := s.store.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return identity.Identity{}, Request{}, err
	}
	if err := s.canView(actor, req); err != nil {
		return identity.Identity{}, Request{}, err
	}
	return actor, s.decorate(req), nil
}

// DecisionHistory returns the revision trail of a request, oldest first.
func (s *Service) DecisionHistory(ctx context.Context, actorID, requestID string) ([]Revision, error) {
	if _, err := s.Get(ctx, actorID, requestID); err != nil {
		return nil, err
	}
	return s.store.Revisions(ctx, strings.TrimSpace(requestID))
}

func (s *Service) canView(actor identity.Identity, req Request) error {
	switch {
	case req.RequesterID == actor.ID:
		return s.model.Require(actor.Actor(), auth.CapViewOwnRequests)
	case s.model.Has(actor.Role, auth.CapViewAllRequests):
		return nil
	case s.engine.InPool(actor.Reviewer(), req.Domain, req.Department):
		if s.model.Has(actor.Role, auth.CapViewAssignedRequests) || s.model.Has(actor.Role, auth.CapViewRequestHistory) {
			return nil
		}
	}
	return auth.Deny(actor.Actor(), auth.CapViewAssignedRequests, "request not visible to actor")
}

// ListFor yields the actor's projection lazily. Each call runs one fresh query; the
// sequence itself is single pass.
func (s *Service) ListFor(ctx context.Context, actorID string, f Filter) iter.Seq2[Request, error] {
	q, err := s.query(ctx, actorID, f)
	if err != nil {
		return func(yield func(Request, error) bool) { yield(Request{}, err) }
	}
	return func(yield func(Request, error) bool) {
		for r, err := range s.store.ListRequests(ctx, q) {
			if err != nil {
				yield(Request{}, err)
				return
			}
			if !yield(s.decorate(r), nil) {
				return
			}
		}
	}
}

func (s *Service) query(ctx context.Context, actorID string, f Filter) (Query, error) {
	actor, err := s.identities.Active(ctx, actorID)
	if err != nil {
		return Query{}, err
	}
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return Query{}, err
		}
	}
	var q Query
	switch f.Kind {
	case FilterMine:
		err = s.model.Require(actor.Actor(), auth.CapViewOwnRequests)
		q = Query{RequesterID: actor.ID}
	case FilterHistory:
		err = s.model.Require(actor.Actor(), auth.CapViewRequestHistory)
		q = Query{RequesterID: actor.ID, Statuses: []Status{StatusApproved, StatusRejected}}
	case FilterAssigned:
		err = s.model.Require(actor.Actor(), auth.CapViewAssignedRequests)
		if err == nil {
			q, err = s.poolQuery(actor)
			q.Statuses = []Status{StatusPending}
		}
	case FilterReviewed:
		err = s.model.Require(actor.Actor(), auth.CapViewRequestHistory)
		q = Query{DecidedBy: actor.ID, Statuses: []Status{StatusApproved, StatusRejected}}
	case FilterAll:
		err = s.model.Require(actor.Actor(), auth.CapViewAllRequests)
	default:
		err = fmt.Errorf("%w: unknown view %q", ErrInvalidInput, f.Kind)
	}
	if err != nil {
		return Query{}, err
	}
	if f.Status != "" {
		q.Statuses = narrow(q.Statuses, f.Status)
	}
	return q, nil
}

// poolQuery selects the requests whose pool contains the reviewer.
func (s *Service) poolQuery(reviewer identity.Identity) (Query, error) {
	domain := routing.NormalizeDomain(reviewer.DomainTag)
	scoped, err := s.engine.DepartmentScoped(domain)
	if err != nil {
		return Query{}, err
	}
	q := Query{Domain: domain}
	if scoped {
		q.DepartmentKey = routing.NormalizeDepartment(reviewer.Department)
	}
	return q, nil
}

// PoolQuery exposes the reviewer's assignment selection for aggregation.
func (s *Service) PoolQuery(reviewer identity.Identity) (Query, error) {
	return s.poolQuery(reviewer)
}

// narrow intersects an existing status filter with one requested status. An empty
// intersection keeps a sentinel that matches nothing.
func narrow(existing []Status, want Status) []Status {
	if len(existing) == 0 {
		return []Status{want}
	}
	for _, st := range existing {
		if st == want {
			return []Status{want}
		}
	}
	return []Status{Status("none")}
}

func (s *Service) decorate(r Request) Request {
	if d, err := s.engine.Catalog().Lookup(r.Domain); err == nil {
		r.Priority = d.Priority
	}
	return r
}

// Priority reports the display priority of a request's domain.
func (s *Service) Priority(r Request) routing.Priority {
	return s.decorate(r).Priority
}

// SendMessage appends a note between the requester and a reviewer in the request's pool.
func (s *Service) SendMessage(ctx context.Context, senderID, requestID, recipientID, content string) (Message, error) {
	sender, err := s.identities.Active(ctx, senderID)
	if err != nil {
		return Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}
	req, err := s.store.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return Message{}, err
	}
	recipient, err := s.identities.Get(ctx, strings.TrimSpace(recipientID))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Message{}, fmt.Errorf("%w: unknown recipient", ErrInvalidInput)
		}
		return Message{}, err
	}

	switch {
	case sender.ID == req.RequesterID:
		if err := s.model.Require(sender.Actor(), auth.CapCommunicateWithReviewer); err != nil {
			return Message{}, err
		}
		if !recipient.Active || !s.engine.InPool(recipient.Reviewer(), req.Domain, req.Department) {
			return Message{}, auth.Deny(sender.Actor(), auth.CapCommunicateWithReviewer, "recipient is not a reviewer for this request")
		}
	case s.engine.InPool(sender.Reviewer(), req.Domain, req.Department):
		if err := s.model.Require(sender.Actor(), auth.CapCommunicateWithRequester); err != nil {
			return Message{}, err
		}
		if recipient.ID != req.RequesterID {
			return Message{}, auth.Deny(sender.Actor(), auth.CapCommunicateWithRequester, "recipient is not the requester")
		}
	default:
		return Message{}, auth.Deny(sender.Actor(), messagingCapability(sender.Role), "sender is not a party to this request")
	}

	return s.store.AddMessage(ctx, Message{
		ID:          ids.New(),
		RequestID:   req.ID,
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		Content:     content,
		SentAt:      s.now().UTC(),
	})
}

// Messages lists the notes on a request the actor may see: admins see all, parties see their own.
func (s *Service) Messages(ctx context.Context, actorID, requestID string) ([]Message, error) {
	actor, req, err := s.visible(ctx, actorID, requestID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.Messages(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if s.model.Has(actor.Role, auth.CapViewAllRequests) {
		return all, nil
	}
	out := make([]Message, 0, len(all))
	for _, m := range all {
		if m.SenderID == actor.ID || m.RecipientID == actor.ID {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarkRead flags a message read. Only the recipient may do so.
func (s *Service) MarkRead(ctx context.Context, actorID, messageID string) (Message, error) {
	actor, err := s.identities.Active(ctx, actorID)
	if err != nil {
		return Message{}, err
	}
	if err := s.model.Require(actor.Actor(), messagingCapability(actor.Role)); err != nil {
		return Message{}, err
	}
	m, err := s.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return Message{}, err
	}
	if m.RecipientID != actor.ID {
		return Message{}, auth.Deny(actor.Actor(), messagingCapability(actor.Role), "only the recipient can mark a message read")
	}
	if m.Read {
		return m, nil
	}
	return s.store.MarkRead(ctx, m.ID)
}

func messagingCapability(role auth.Role) auth.Capability {
	if role == auth.RoleRequester {
		return auth.CapCommunicateWithReviewer
	}
	return auth.CapCommunicateWithRequester
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
