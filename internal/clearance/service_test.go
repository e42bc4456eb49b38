package clearance

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"clearance.org/internal/auth"
	"clearance.org/internal/events"
	"clearance.org/internal/identity"
	"clearance.org/internal/routing"
)

type fixture struct {
	svc    *Service
	store  *InMemory
	ids    *identity.Service
	events *events.Recorder
	people map[string]identity.Identity

	mu     sync.Mutex
	audits []string
}

var roster = []identity.EligibilityRecord{
	{ExternalID: "A001", Email: "a001@uni.example", FullName: "Ada", Department: "CS", Role: auth.RoleRequester},
	{ExternalID: "A002", Email: "a002@uni.example", FullName: "Bob", Department: "EE", Role: auth.RoleRequester},
	{ExternalID: "A003", Email: "a003@uni.example", FullName: "Cy", Department: "History", Role: auth.RoleRequester},
	{ExternalID: "S100", Email: "s100@uni.example", FullName: "CS Lab", Department: "Computer Science", Role: auth.RoleReviewer, DomainTag: "lab"},
	{ExternalID: "S101", Email: "s101@uni.example", FullName: "EE Lab", Department: "EE", Role: auth.RoleReviewer, DomainTag: "lab"},
	{ExternalID: "S110", Email: "s110@uni.example", FullName: "Librarian", Department: "Physics", Role: auth.RoleReviewer, DomainTag: "library"},
	{ExternalID: "S111", Email: "s111@uni.example", FullName: "Night Librarian", Department: "Chemistry", Role: auth.RoleReviewer, DomainTag: "library"},
	{ExternalID: "S120", Email: "s120@uni.example", FullName: "CS Projects", Department: "CS", Role: auth.RoleReviewer, DomainTag: "project"},
	{ExternalID: "S121", Email: "s121@uni.example", FullName: "CS Lab Two", Department: " cs ", Role: auth.RoleReviewer, DomainTag: "lab"},
	{ExternalID: "S200", Email: "s200@uni.example", FullName: "CS Admin", Department: "CS", Role: auth.RoleAdmin, DomainTag: "admin"},
	{ExternalID: "S300", Email: "s300@uni.example", FullName: "EE Admin", Department: "EE", Role: auth.RoleAdmin, DomainTag: "admin"},
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: NewInMemory(), events: events.NewRecorder(), people: map[string]identity.Identity{}}

	idStore := identity.NewInMemory()
	creds := auth.NewCredentialVerifier(auth.NewMemoryHashStore(), 4)
	model := auth.DefaultModel()
	f.ids = identity.NewService(idStore, creds, model, identity.WithAuditSink(func(context.Context, string, map[string]any) error { return nil }))
	if _, err := f.ids.ImportEligibility(ctx, roster); err != nil {
		t.Fatalf("ImportEligibility: %v", err)
	}
	// CS requesters are "CS"; the CS lab reviewer is filed as "Computer Science" and therefore
	// does not share a department key with them. S121 (" cs ") does.
	for _, rec := range roster {
		act, err := f.ids.Activate(ctx, identity.ActivationRequest{
			ExternalID: rec.ExternalID, Email: rec.Email, Password: "pw", Role: rec.Role, Domain: rec.DomainTag,
		})
		if err != nil {
			t.Fatalf("Activate %s: %v", rec.ExternalID, err)
		}
		f.people[rec.ExternalID] = act.Identity
	}

	engine := routing.NewEngine(routing.DefaultCatalog(), idStore)
	opts = append([]Option{
		WithPublisher(f.events),
		WithAuditSink(func(_ context.Context, event string, _ map[string]any) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.audits = append(f.audits, event)
			return nil
		}),
	}, opts...)
	f.svc = NewService(f.store, f.ids, engine, model, opts...)
	return f
}

func (f *fixture) id(ext string) string { return f.people[ext].ID }

func (f *fixture) auditCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.audits {
		if e == event {
			n++
		}
	}
	return n
}

func collect(seq iter.Seq2[Request, error]) ([]Request, error) {
	var out []Request
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func TestSubmitOncePerDomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, f.id("A001"), "Lab", "blob://doc-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if req.Status != StatusPending || req.Domain != "lab" || req.Decision != nil || req.Priority != routing.PriorityMedium {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := f.svc.Submit(ctx, f.id("A001"), "lab", ""); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, f.id("A001"), "project", ""); err != nil {
		t.Fatalf("Submit other domain: %v", err)
	}
	if got := f.events.Topics(); len(got) != 2 {
		t.Fatalf("expected two submitted events, got %v", got)
	}
}

func TestSubmitConcurrentSamePair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(ctx, f.id("A002"), "lab", "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateRequest):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one success, got %d", ok)
	}
	c, _ := f.store.CountRequests(ctx, Query{RequesterID: f.id("A002")})
	if c.Total() != 1 {
		t.Fatalf("expected one persisted request, got %d", c.Total())
	}
}

func TestSubmitWithoutReviewerPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, f.id("A003"), "lab", ""); !errors.Is(err, routing.ErrNoReviewerAvailable) {
		t.Fatalf("expected ErrNoReviewerAvailable, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, f.id("A003"), "gym", ""); !errors.Is(err, routing.ErrUnsupportedDomain) {
		t.Fatalf("expected ErrUnsupportedDomain, got %v", err)
	}
	mine, err := collect(f.svc.ListFor(ctx, f.id("A003"), Filter{Kind: FilterMine}))
	if err != nil || len(mine) != 0 {
		t.Fatalf("expected nothing persisted, got %v %v", mine, err)
	}
	// library is institution-wide, so a History student still gets routed.
	if _, err := f.svc.Submit(ctx, f.id("A003"), "library", ""); err != nil {
		t.Fatalf("library Submit: %v", err)
	}
}

func TestSubmitRequiresCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), f.id("S100"), "lab", "")
	var denied *auth.DeniedError
	if !errors.As(err, &denied) || denied.Capability != auth.CapSubmitRequest {
		t.Fatalf("expected submit_request denial, got %v", err)
	}
}

func TestDecideThenCorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reviewer := f.id("S121")

	d, err := f.svc.Decide(ctx, reviewer, req.ID, StatusApproved, "looks good")
	if err != nil {
		t.Fatalf("Decide approve: %v", err)
	}
	if d.Status != StatusApproved || d.Revision != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
	d, err = f.svc.Decide(ctx, reviewer, req.ID, StatusRejected, "missing signature")
	if err != nil {
		t.Fatalf("Decide reject: %v", err)
	}
	if d.Revision != 2 || d.Status != StatusRejected {
		t.Fatalf("unexpected corrected decision %+v", d)
	}

	got, err := f.svc.Get(ctx, f.id("A001"), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRejected || got.Decision == nil || got.Decision.Status != StatusRejected || got.Decision.Remarks != "missing signature" {
		t.Fatalf("request and decision out of sync: %+v %+v", got, got.Decision)
	}
	revs, err := f.svc.DecisionHistory(ctx, reviewer, req.ID)
	if err != nil {
		t.Fatalf("DecisionHistory: %v", err)
	}
	if len(revs) != 2 || revs[0].Kind != KindFirst || revs[1].Kind != KindCorrection {
		t.Fatalf("unexpected revisions %+v", revs)
	}
	if f.auditCount("clearance.decision.corrected") != 1 {
		t.Fatalf("correction not audited: %v", f.audits)
	}
}

func TestDecideRepeatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "project", "")
	reviewer := f.id("S120")

	for _, remarks := range []string{"ok", "ok, confirmed"} {
		if _, err := f.svc.Decide(ctx, reviewer, req.ID, StatusApproved, remarks); err != nil {
			t.Fatalf("Decide: %v", err)
		}
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != StatusApproved || got.Decision.Status != StatusApproved || got.Decision.Revision != 1 || got.Decision.Remarks != "ok, confirmed" {
		t.Fatalf("unexpected state %+v %+v", got, got.Decision)
	}
	revs, _ := f.store.Revisions(ctx, req.ID)
	if len(revs) != 1 {
		t.Fatalf("repeat verdict appended a revision: %+v", revs)
	}
}

func TestDecideOutsidePoolWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")

	for _, ext := range []string{"S101", "S100", "S120", "S110"} {
		_, err := f.svc.Decide(ctx, f.id(ext), req.ID, StatusApproved, "")
		if !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", ext, err)
		}
	}
	if _, err := f.svc.Decide(ctx, f.id("A001"), req.ID, StatusApproved, ""); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("requester decided own request: %v", err)
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != StatusPending || got.Decision != nil {
		t.Fatalf("partial write after denial: %+v", got)
	}
}

func TestDecideLibraryIgnoresDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A002"), "library", "")
	if _, err := f.svc.Decide(ctx, f.id("S110"), req.ID, StatusApproved, ""); err != nil {
		t.Fatalf("library reviewer from another department should decide: %v", err)
	}
}

func TestDecideErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Decide(ctx, f.id("S121"), "missing", StatusApproved, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusPending, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid verdict, got %v", err)
	}
}

func TestCorrectionsDisabled(t *testing.T) {
	f := newFixture(t, WithReviewerCorrections(false))
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusRejected, ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusApproved, "again"); err != nil {
		t.Fatalf("identical verdict should still be accepted: %v", err)
	}
	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != StatusApproved {
		t.Fatalf("status changed: %s", got.Status)
	}
}

func TestConcurrentDecisionsStayConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	reviewer := f.id("S121")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdict := StatusApproved
			if i%2 == 1 {
				verdict = StatusRejected
			}
			if _, err := f.svc.Decide(ctx, reviewer, req.ID, verdict, ""); err != nil {
				t.Errorf("Decide: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Decision == nil || got.Status != got.Decision.Status {
		t.Fatalf("request %s and decision %+v diverged", got.Status, got.Decision)
	}
	revs, _ := f.store.Revisions(ctx, req.ID)
	if len(revs) != got.Decision.Revision || revs[len(revs)-1].Status != got.Status {
		t.Fatalf("revision trail inconsistent: %d revisions, decision revision %d", len(revs), got.Decision.Revision)
	}
}

func TestOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")

	if _, err := f.svc.Override(ctx, f.id("S200"), req.ID, StatusApproved, "policy"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("override without decision: %v", err)
	}
	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusRejected, "no"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.svc.Override(ctx, f.id("S300"), req.ID, StatusApproved, "policy"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("foreign admin override: %v", err)
	}
	if _, err := f.svc.Override(ctx, f.id("S121"), req.ID, StatusApproved, "policy"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("reviewer used override: %v", err)
	}
	if _, err := f.svc.Override(ctx, f.id("S200"), req.ID, StatusApproved, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("override without reason: %v", err)
	}
	d, err := f.svc.Override(ctx, f.id("S200"), req.ID, StatusApproved, "appeal upheld")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if !d.Overridden || d.Status != StatusApproved || d.ReviewerID != f.id("S121") || d.Revision != 2 {
		t.Fatalf("unexpected override decision %+v", d)
	}
	revs, _ := f.store.Revisions(ctx, req.ID)
	if last := revs[len(revs)-1]; last.Kind != KindOverride || last.ActorID != f.id("S200") {
		t.Fatalf("unexpected override revision %+v", last)
	}
	if f.auditCount("clearance.decision.overridden") != 1 {
		t.Fatalf("override not audited")
	}
	topics := f.events.Topics()
	if topics[len(topics)-1] != events.TopicDecisionOverridden {
		t.Fatalf("unexpected events %v", topics)
	}
}

func TestReviewerCannotUndoOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")

	if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, StatusRejected, "missing form"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.svc.Override(ctx, f.id("S200"), req.ID, StatusApproved, "appeal upheld"); err != nil {
		t.Fatalf("Override: %v", err)
	}
	for _, verdict := range []Status{StatusRejected, StatusApproved} {
		if _, err := f.svc.Decide(ctx, f.id("S121"), req.ID, verdict, "again"); !errors.Is(err, ErrAlreadyDecided) {
			t.Fatalf("%s after override: expected ErrAlreadyDecided, got %v", verdict, err)
		}
	}

	got, _ := f.store.GetRequest(ctx, req.ID)
	if got.Status != StatusApproved || !got.Decision.Overridden || got.Decision.Remarks != "appeal upheld" {
		t.Fatalf("override was disturbed: %+v", got.Decision)
	}
	revs, _ := f.store.Revisions(ctx, req.ID)
	if len(revs) != 2 || revs[1].Kind != KindOverride {
		t.Fatalf("unexpected revisions %+v", revs)
	}
}

func TestSecondReviewerAgreeingKeepsDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A002"), "library", "")
	first, second := f.id("S110"), f.id("S111")

	if _, err := f.svc.Decide(ctx, first, req.ID, StatusApproved, "returned all books"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	d, err := f.svc.Decide(ctx, second, req.ID, StatusApproved, "looks fine")
	if err != nil {
		t.Fatalf("second Decide: %v", err)
	}
	if d.ReviewerID != first || d.Remarks != "returned all books" || d.Revision != 1 {
		t.Fatalf("agreeing reviewer took over the decision: %+v", d)
	}

	revs, _ := f.store.Revisions(ctx, req.ID)
	if len(revs) != 1 || revs[0].ActorID != first {
		t.Fatalf("unexpected revisions %+v", revs)
	}
	reviewed, err := collect(f.svc.ListFor(ctx, first, Filter{Kind: FilterReviewed}))
	if err != nil || len(reviewed) != 1 || reviewed[0].ID != req.ID {
		t.Fatalf("first reviewer lost the request from reviewed: %v %+v", err, reviewed)
	}
	if reviewed, _ := collect(f.svc.ListFor(ctx, second, Filter{Kind: FilterReviewed})); len(reviewed) != 0 {
		t.Fatalf("second reviewer should not own the decision: %+v", reviewed)
	}

	// A disagreeing reviewer is a correction and is attributed to them.
	d, err = f.svc.Decide(ctx, second, req.ID, StatusRejected, "fine outstanding")
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	revs, _ = f.store.Revisions(ctx, req.ID)
	if d.ReviewerID != second || len(revs) != 2 || revs[1].ActorID != second || revs[1].Kind != KindCorrection {
		t.Fatalf("unexpected correction %+v %+v", d, revs)
	}
}

func TestListForViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	labCS, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	projCS, _ := f.svc.Submit(ctx, f.id("A001"), "project", "")
	labEE, _ := f.svc.Submit(ctx, f.id("A002"), "lab", "")
	if _, err := f.svc.Decide(ctx, f.id("S121"), labCS.ID, StatusApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	cases := []struct {
		name  string
		actor string
		f     Filter
		want  []string
	}{
		{"requester mine", "A001", Filter{Kind: FilterMine}, []string{labCS.ID, projCS.ID}},
		{"requester mine pending", "A001", Filter{Kind: FilterMine, Status: StatusPending}, []string{projCS.ID}},
		{"requester history", "A001", Filter{Kind: FilterHistory}, []string{labCS.ID}},
		{"history filtered to pending is empty", "A001", Filter{Kind: FilterHistory, Status: StatusPending}, nil},
		{"cs lab reviewer assigned", "S121", Filter{Kind: FilterAssigned}, nil},
		{"ee lab reviewer assigned", "S101", Filter{Kind: FilterAssigned}, []string{labEE.ID}},
		{"project reviewer assigned", "S120", Filter{Kind: FilterAssigned}, []string{projCS.ID}},
		{"reviewer reviewed", "S121", Filter{Kind: FilterReviewed}, []string{labCS.ID}},
		{"admin all", "S300", Filter{Kind: FilterAll}, []string{labCS.ID, projCS.ID, labEE.ID}},
		{"admin all approved", "S200", Filter{Kind: FilterAll, Status: StatusApproved}, []string{labCS.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := collect(f.svc.ListFor(ctx, f.id(tc.actor), tc.f))
			if err != nil {
				t.Fatalf("ListFor: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d requests, want %d", len(got), len(tc.want))
			}
			want := map[string]bool{}
			for _, id := range tc.want {
				want[id] = true
			}
			for _, r := range got {
				if !want[r.ID] {
					t.Fatalf("unexpected request %s in %s", r.ID, tc.name)
				}
			}
		})
	}

	if _, err := collect(f.svc.ListFor(ctx, f.id("A001"), Filter{Kind: FilterAll})); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("requester listed all requests: %v", err)
	}
	if _, err := collect(f.svc.ListFor(ctx, f.id("S121"), Filter{Kind: "everything"})); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid view, got %v", err)
	}
}

func TestListForStopsEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []string{"lab", "project", "library"} {
		if _, err := f.svc.Submit(ctx, f.id("A001"), d, ""); err != nil {
			t.Fatalf("Submit %s: %v", d, err)
		}
	}
	n := 0
	for _, err := range f.svc.ListFor(ctx, f.id("A001"), Filter{Kind: FilterMine}) {
		if err != nil {
			t.Fatalf("ListFor: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("expected to stop after 2, got %d", n)
	}
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")

	for _, ext := range []string{"A001", "S121", "S200", "S300"} {
		if _, err := f.svc.Get(ctx, f.id(ext), req.ID); err != nil {
			t.Fatalf("%s should see request: %v", ext, err)
		}
	}
	for _, ext := range []string{"A002", "S101", "S110"} {
		if _, err := f.svc.Get(ctx, f.id(ext), req.ID); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("%s should not see request: %v", ext, err)
		}
	}
}

func TestMessaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	student, reviewer := f.id("A001"), f.id("S121")

	m, err := f.svc.SendMessage(ctx, student, req.ID, reviewer, "Please check page 2")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, student, req.ID, f.id("S101"), "hi"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("message to out-of-pool reviewer: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, reviewer, req.ID, f.id("A002"), "hi"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("reviewer messaged a non-requester: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.id("A002"), req.ID, reviewer, "hi"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("outsider sent a message: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, reviewer, req.ID, student, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty message accepted: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, reviewer, req.ID, student, "Signed."); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if _, err := f.svc.MarkRead(ctx, student, m.ID); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("sender marked own message read: %v", err)
	}
	read, err := f.svc.MarkRead(ctx, reviewer, m.ID)
	if err != nil || !read.Read {
		t.Fatalf("MarkRead: %+v %v", read, err)
	}

	msgs, err := f.svc.Messages(ctx, student, req.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Messages: %d %v", len(msgs), err)
	}
	other := f.id("S100")
	if _, err := f.svc.Messages(ctx, other, req.ID); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("non-pool reviewer read messages: %v", err)
	}
}

func TestMarkReadRequiresMessagingCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.svc.Submit(ctx, f.id("A001"), "lab", "")
	m, err := f.svc.SendMessage(ctx, f.id("A001"), req.ID, f.id("S121"), "ready for review")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	grants := auth.DefaultGrants()
	grants[auth.RoleReviewer] = []auth.Capability{auth.CapViewAssignedRequests}
	model, err := auth.NewModel(grants)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	muted := NewService(f.store, f.ids, nil, model, WithAuditSink(func(context.Context, string, map[string]any) error { return nil }))

	_, err = muted.MarkRead(ctx, f.id("S121"), m.ID)
	var denied *auth.DeniedError
	if !errors.As(err, &denied) || denied.Capability != auth.CapCommunicateWithRequester {
		t.Fatalf("expected denial on %s, got %v", auth.CapCommunicateWithRequester, err)
	}
	stored, _ := f.store.GetMessage(ctx, m.ID)
	if stored.Read {
		t.Fatalf("denied MarkRead was written")
	}
}
