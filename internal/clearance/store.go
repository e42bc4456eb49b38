package clearance

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"

	"clearance.org/internal/routing"
)

// DecisionWrite is what a DecidePlan asks the store to persist.
type DecisionWrite struct {
	Decision Decision
	Kind     DecisionKind
	ActorID  string
}

// DecidePlan computes the next decision from the request as read under the store's lock.
// Returning an error aborts without writing.
type DecidePlan func(current Request) (DecisionWrite, error)

// Store persists requests, decisions and messages.
//
// CreateRequest must enforce one request per (requester, domain) atomically and report a
// lost race as ErrDuplicateRequest. Decide must apply the plan, the decision write, the
// revision append and the request status update as one atomic unit.
type Store interface {
	CreateRequest(ctx context.Context, r Request) (Request, error)
	GetRequest(ctx context.Context, id string) (Request, error)
	Decide(ctx context.Context, requestID string, plan DecidePlan) (Request, DecisionWrite, error)
	Revisions(ctx context.Context, requestID string) ([]Revision, error)
	ListRequests(ctx context.Context, q Query) iter.Seq2[Request, error]
	CountRequests(ctx context.Context, q Query) (Counts, error)
	CountByDomain(ctx context.Context) (map[string]Counts, error)

	AddMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	Messages(ctx context.Context, requestID string) ([]Message, error)
	MarkRead(ctx context.Context, id string) (Message, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu        sync.RWMutex
	requests  map[string]*Request
	pairs     map[string]string // requester|domain -> request id
	revisions map[string][]Revision
	messages  map[string]*Message
	byRequest map[string][]string // request id -> message ids
}

func NewInMemory() *InMemory {
	return &InMemory{
		requests:  make(map[string]*Request),
		pairs:     make(map[string]string),
		revisions: make(map[string][]Revision),
		messages:  make(map[string]*Message),
		byRequest: make(map[string][]string),
	}
}

func pairKey(requesterID, domain string) string {
	return requesterID + "|" + domain
}

func (s *InMemory) CreateRequest(_ context.Context, r Request) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(r.RequesterID, r.Domain)
	if _, ok := s.pairs[key]; ok {
		return Request{}, ErrDuplicateRequest
	}
	stored := r
	stored.Decision = nil
	s.requests[r.ID] = &stored
	s.pairs[key] = r.ID
	return stored, nil
}

func (s *InMemory) GetRequest(_ context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *InMemory) Decide(_ context.Context, requestID string, plan DecidePlan) (Request, DecisionWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return Request{}, DecisionWrite{}, ErrNotFound
	}
	w, err := plan(cloneRequest(r))
	if err != nil {
		return Request{}, DecisionWrite{}, err
	}
	d := w.Decision
	r.Decision = &d
	r.Status = d.Status
	r.UpdatedAt = d.DecidedAt
	if w.Kind != KindRepeat {
		s.revisions[requestID] = append(s.revisions[requestID], Revision{
			RequestID: requestID,
			Revision:  d.Revision,
			ActorID:   w.ActorID,
			Kind:      w.Kind,
			Status:    d.Status,
			Remarks:   d.Remarks,
			DecidedAt: d.DecidedAt,
		})
	}
	return cloneRequest(r), w, nil
}

func (s *InMemory) Revisions(_ context.Context, requestID string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s.revisions[requestID]), nil
}

// ListRequests snapshots the matching rows under one read lock and yields them lazily.
func (s *InMemory) ListRequests(_ context.Context, q Query) iter.Seq2[Request, error] {
	return func(yield func(Request, error) bool) {
		s.mu.RLock()
		var rows []Request
		for _, r := range s.requests {
			if q.matches(r) {
				rows = append(rows, cloneRequest(r))
			}
		}
		s.mu.RUnlock()
		slices.SortFunc(rows, func(a, b Request) int { return strings.Compare(a.ID, b.ID) })
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *InMemory) CountRequests(_ context.Context, q Query) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, r := range s.requests {
		if q.matches(r) {
			c.add(r.Status)
		}
	}
	return c, nil
}

func (s *InMemory) CountByDomain(_ context.Context) (map[string]Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Counts)
	for _, r := range s.requests {
		c := out[r.Domain]
		c.add(r.Status)
		out[r.Domain] = c
	}
	return out, nil
}

func (s *InMemory) AddMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[m.RequestID]; !ok {
		return Message{}, ErrNotFound
	}
	stored := m
	s.messages[m.ID] = &stored
	s.byRequest[m.RequestID] = append(s.byRequest[m.RequestID], m.ID)
	return stored, nil
}

func (s *InMemory) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *InMemory) Messages(_ context.Context, requestID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRequest[requestID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *InMemory) MarkRead(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	m.Read = true
	return *m, nil
}

func (q Query) matches(r *Request) bool {
	if q.RequesterID != "" && r.RequesterID != q.RequesterID {
		return false
	}
	if q.Domain != "" && r.Domain != q.Domain {
		return false
	}
	if q.DepartmentKey != "" && routing.NormalizeDepartment(r.Department) != q.DepartmentKey {
		return false
	}
	if q.DecidedBy != "" && (r.Decision == nil || r.Decision.ReviewerID != q.DecidedBy) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, r.Status) {
		return false
	}
	return true
}

func cloneRequest(r *Request) Request {
	out := *r
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	return out
}
