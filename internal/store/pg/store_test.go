package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
	"clearance.org/internal/identity"
)

var requestCols = []string{
	"id", "requester_id", "domain", "department", "document_ref", "status", "submitted_at", "updated_at",
	"reviewer_id", "status", "remarks", "decided_at", "revision", "overridden",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func pendingRow(id string, at time.Time) []driver.Value {
	return []driver.Value{id, "REQ1", "lab", "CS", "", "pending", at, at, nil, nil, nil, nil, nil, nil}
}

func TestCreateRequestDuplicateOnConflict(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	r := clearance.Request{ID: "R1", RequesterID: "REQ1", Domain: "lab", Department: " Computer  Science ", Status: clearance.StatusPending, SubmittedAt: at, UpdatedAt: at}

	mock.ExpectQuery("insert into clearance_requests").
		WithArgs("R1", "REQ1", "lab", " Computer  Science ", "computer science", "", "pending", at, at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("R1"))
	mock.ExpectQuery("insert into clearance_requests").
		WithArgs("R2", "REQ1", "lab", " Computer  Science ", "computer science", "", "pending", at, at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := s.CreateRequest(context.Background(), r)
	if err != nil || got.ID != "R1" {
		t.Fatalf("CreateRequest: %+v %v", got, err)
	}
	r.ID = "R2"
	if _, err := s.CreateRequest(context.Background(), r); !errors.Is(err, clearance.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateRequestMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into clearance_requests").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateRequest(context.Background(), clearance.Request{ID: "R1"}); !errors.Is(err, clearance.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestGetRequestWithDecision(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select r.id").WithArgs("R1").WillReturnRows(sqlmock.NewRows(requestCols).
		AddRow("R1", "REQ1", "lab", "CS", "doc-1", "approved", at, at, "REV1", "approved", "ok", at, int64(2), true))
	mock.ExpectQuery("select r.id").WithArgs("missing").WillReturnRows(sqlmock.NewRows(requestCols))

	r, err := s.GetRequest(context.Background(), "R1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if r.Decision == nil || r.Decision.ReviewerID != "REV1" || r.Decision.Revision != 2 || !r.Decision.Overridden {
		t.Fatalf("decision not scanned: %+v", r.Decision)
	}
	if _, err := s.GetRequest(context.Background(), "missing"); !errors.Is(err, clearance.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecideWritesInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("for update of r").WithArgs("R1").WillReturnRows(sqlmock.NewRows(requestCols).AddRow(pendingRow("R1", at)...))
	mock.ExpectExec("insert into decisions").
		WithArgs("R1", "REV1", "approved", "fine", at, 1, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update clearance_requests set status").WithArgs("R1", "approved", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into decision_revisions").
		WithArgs("R1", 1, "REV1", "first", "approved", "fine", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, w, err := s.Decide(context.Background(), "R1", func(cur clearance.Request) (clearance.DecisionWrite, error) {
		if cur.Status != clearance.StatusPending || cur.Decision != nil {
			t.Fatalf("plan saw unexpected state %+v", cur)
		}
		return clearance.DecisionWrite{
			Decision: clearance.Decision{RequestID: "R1", ReviewerID: "REV1", Status: clearance.StatusApproved, Remarks: "fine", DecidedAt: at, Revision: 1},
			Kind:     clearance.KindFirst,
			ActorID:  "REV1",
		}, nil
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if r.Status != clearance.StatusApproved || r.Decision == nil || w.Kind != clearance.KindFirst {
		t.Fatalf("unexpected result %+v %+v", r, w)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecidePlanErrorRollsBack(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("for update of r").WithArgs("R1").WillReturnRows(sqlmock.NewRows(requestCols).AddRow(pendingRow("R1", at)...))
	mock.ExpectRollback()

	_, _, err := s.Decide(context.Background(), "R1", func(clearance.Request) (clearance.DecisionWrite, error) {
		return clearance.DecisionWrite{}, clearance.ErrAlreadyDecided
	})
	if !errors.Is(err, clearance.ErrAlreadyDecided) {
		t.Fatalf("expected plan error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecideRepeatSkipsRevision(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("for update of r").WithArgs("R1").WillReturnRows(sqlmock.NewRows(requestCols).
		AddRow("R1", "REQ1", "lab", "CS", "", "approved", at, at, "REV1", "approved", "", at, int64(1), false))
	mock.ExpectExec("insert into decisions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update clearance_requests set status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, _, err := s.Decide(context.Background(), "R1", func(cur clearance.Request) (clearance.DecisionWrite, error) {
		d := *cur.Decision
		d.Remarks = "again"
		return clearance.DecisionWrite{Decision: d, Kind: clearance.KindRepeat, ActorID: "REV1"}, nil
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRequestsStopsEarly(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	rows := sqlmock.NewRows(requestCols).
		AddRow(pendingRow("R1", at)...).
		AddRow(pendingRow("R2", at)...).
		AddRow(pendingRow("R3", at)...)
	mock.ExpectQuery("where r.requester_id = \\$1 order by r.id").WithArgs("REQ1").WillReturnRows(rows).RowsWillBeClosed()

	var seen []string
	for r, err := range s.ListRequests(context.Background(), clearance.Query{RequesterID: "REQ1"}) {
		if err != nil {
			t.Fatalf("ListRequests: %v", err)
		}
		seen = append(seen, r.ID)
		if len(seen) == 2 {
			break
		}
	}
	if !reflect.DeepEqual(seen, []string{"R1", "R2"}) {
		t.Fatalf("unexpected rows %v", seen)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWhereClause(t *testing.T) {
	where, args := whereClause(clearance.Query{})
	if where != "" || args != nil {
		t.Fatalf("empty query should not constrain, got %q %v", where, args)
	}
	where, args = whereClause(clearance.Query{
		Domain:        "lab",
		DepartmentKey: "cs",
		Statuses:      []clearance.Status{clearance.StatusApproved, clearance.StatusRejected},
	})
	want := " where r.domain = $1 and r.department_key = $2 and r.status = any($3)"
	if where != want {
		t.Fatalf("where = %q, want %q", where, want)
	}
	if !reflect.DeepEqual(args, []any{"lab", "cs", []string{"approved", "rejected"}}) {
		t.Fatalf("unexpected args %v", args)
	}
	where, _ = whereClause(clearance.Query{DecidedBy: "REV1"})
	if where != " where d.reviewer_id = $1" {
		t.Fatalf("unexpected where %q", where)
	}
}

func TestCountRequests(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("count\\(\\*\\) filter").WithArgs("REQ1").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "approved", "rejected"}).AddRow(1, 2, 0))
	c, err := s.CountRequests(context.Background(), clearance.Query{RequesterID: "REQ1"})
	if err != nil || c != (clearance.Counts{Pending: 1, Approved: 2}) {
		t.Fatalf("CountRequests: %+v %v", c, err)
	}
}

func TestCountByDomain(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("group by domain").WillReturnRows(sqlmock.NewRows([]string{"domain", "p", "a", "r"}).
		AddRow("lab", 1, 0, 0).
		AddRow("library", 0, 3, 1))
	got, err := s.CountByDomain(context.Background())
	if err != nil {
		t.Fatalf("CountByDomain: %v", err)
	}
	if got["library"].Total() != 4 || got["lab"].Pending != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

func TestHashMissingIsNoCredential(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select hash from credentials").WithArgs("ID1").WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	if _, err := s.Hash(context.Background(), "ID1"); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestCreateIdentityLostRaceReturnsExisting(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	cols := []string{"id", "external_id", "email", "full_name", "role", "department", "domain_tag",
		"phone", "bio", "position", "avatar_ref", "active", "created_at", "updated_at"}
	mock.ExpectQuery("insert into identities").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("from identities where external_id").WithArgs("A001").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("WINNER", "A001", "a@x", "Ada", "requester", "CS", "", "", "", "", "", true, at, at))

	got, created, err := s.CreateIdentity(context.Background(), identity.Identity{ID: "LOSER", ExternalID: "A001", Role: auth.RoleRequester})
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if created || got.ID != "WINNER" || got.Role != auth.RoleRequester {
		t.Fatalf("expected existing identity, got %+v created=%v", got, created)
	}
}

func TestUpsertEligibilityConflictAndConsumed(t *testing.T) {
	s, mock := newMock(t)
	rec := identity.EligibilityRecord{ExternalID: "A001", Email: "a@x", Role: auth.RoleRequester, Status: identity.EligibilityActive}

	mock.ExpectBegin()
	mock.ExpectQuery("select external_id from eligibility_records").WithArgs("a@x", "A001").
		WillReturnRows(sqlmock.NewRows([]string{"external_id"}).AddRow("B002"))
	mock.ExpectRollback()
	if _, err := s.UpsertEligibility(context.Background(), rec); !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	eligCols := []string{"external_id", "email", "full_name", "department", "domain_tag", "role", "status", "phone"}
	mock.ExpectBegin()
	mock.ExpectQuery("select external_id from eligibility_records").WillReturnRows(sqlmock.NewRows([]string{"external_id"}))
	mock.ExpectQuery("for update").WithArgs("A001").
		WillReturnRows(sqlmock.NewRows(eligCols).AddRow("A001", "a@x", "Old Name", "", "", "requester", "active", ""))
	mock.ExpectQuery("select exists").WithArgs("A001").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	if _, err := s.UpsertEligibility(context.Background(), rec); !errors.Is(err, identity.ErrEligibilityConsumed) {
		t.Fatalf("expected consumed, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select external_id from eligibility_records").WillReturnRows(sqlmock.NewRows([]string{"external_id"}))
	mock.ExpectQuery("for update").WithArgs("A001").
		WillReturnRows(sqlmock.NewRows(eligCols).AddRow("A001", "a@x", "", "", "", "requester", "active", ""))
	mock.ExpectRollback()
	out, err := s.UpsertEligibility(context.Background(), rec)
	if err != nil || out != identity.OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %v %v", out, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
