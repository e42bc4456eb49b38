package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"clearance.org/internal/clearance"
	"clearance.org/internal/routing"
)

var _ clearance.Store = (*Store)(nil)

const requestColumns = `r.id, r.requester_id, r.domain, r.department, r.document_ref, r.status, r.submitted_at, r.updated_at,
	d.reviewer_id, d.status, d.remarks, d.decided_at, d.revision, d.overridden`

const requestFrom = `from clearance_requests r left join decisions d on d.request_id = r.id`

func scanRequest(row scanner) (clearance.Request, error) {
	var (
		r          clearance.Request
		status     string
		reviewerID sql.NullString
		verdict    sql.NullString
		remarks    sql.NullString
		decidedAt  sql.NullTime
		revision   sql.NullInt64
		overridden sql.NullBool
	)
	err := row.Scan(&r.ID, &r.RequesterID, &r.Domain, &r.Department, &r.DocumentRef, &status, &r.SubmittedAt, &r.UpdatedAt,
		&reviewerID, &verdict, &remarks, &decidedAt, &revision, &overridden)
	if err != nil {
		return clearance.Request{}, err
	}
	r.Status = clearance.Status(status)
	if reviewerID.Valid {
		r.Decision = &clearance.Decision{
			RequestID:  r.ID,
			ReviewerID: reviewerID.String,
			Status:     clearance.Status(verdict.String),
			Remarks:    remarks.String,
			DecidedAt:  decidedAt.Time,
			Revision:   int(revision.Int64),
			Overridden: overridden.Bool,
		}
	}
	return r, nil
}

// CreateRequest leans on the (requester_id, domain) unique constraint; a lost race
// inserts nothing and reports a duplicate.
func (s *Store) CreateRequest(ctx context.Context, r clearance.Request) (clearance.Request, error) {
	if s.db == nil {
		return clearance.Request{}, errNoDB
	}
	var id string
	err := s.db.QueryRowContext(ctx, `
		insert into clearance_requests (id, requester_id, domain, department, department_key, document_ref, status, submitted_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (requester_id, domain) do nothing
		returning id
	`, r.ID, r.RequesterID, r.Domain, r.Department, routing.NormalizeDepartment(r.Department), r.DocumentRef,
		string(r.Status), r.SubmittedAt, r.UpdatedAt).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return clearance.Request{}, clearance.ErrDuplicateRequest
	case isCode(err, pgErrUniqueViolation):
		return clearance.Request{}, clearance.ErrDuplicateRequest
	case isCode(err, pgErrForeignKeyViolation):
		return clearance.Request{}, fmt.Errorf("%w: unknown requester", clearance.ErrInvalidInput)
	case err != nil:
		return clearance.Request{}, err
	}
	stored := r
	stored.Decision = nil
	return stored, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (clearance.Request, error) {
	if s.db == nil {
		return clearance.Request{}, errNoDB
	}
	r, err := scanRequest(s.db.QueryRowContext(ctx, `select `+requestColumns+` `+requestFrom+` where r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return clearance.Request{}, clearance.ErrNotFound
	}
	if err != nil {
		return clearance.Request{}, err
	}
	return r, nil
}

// Decide locks the request row, runs the plan against it and writes the decision, the
// revision and the request status in one transaction.
func (s *Store) Decide(ctx context.Context, requestID string, plan clearance.DecidePlan) (clearance.Request, clearance.DecisionWrite, error) {
	if s.db == nil {
		return clearance.Request{}, clearance.DecisionWrite{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRequest(tx.QueryRowContext(ctx, `select `+requestColumns+` `+requestFrom+` where r.id = $1 for update of r`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return clearance.Request{}, clearance.DecisionWrite{}, clearance.ErrNotFound
	}
	if err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}
	w, err := plan(current)
	if err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}
	d := w.Decision
	if _, err := tx.ExecContext(ctx, `
		insert into decisions (request_id, reviewer_id, status, remarks, decided_at, revision, overridden)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (request_id) do update
		set reviewer_id = excluded.reviewer_id, status = excluded.status, remarks = excluded.remarks,
			decided_at = excluded.decided_at, revision = excluded.revision, overridden = excluded.overridden
	`, requestID, d.ReviewerID, string(d.Status), d.Remarks, d.DecidedAt, d.Revision, d.Overridden); err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update clearance_requests set status = $2, updated_at = $3 where id = $1
	`, requestID, string(d.Status), d.DecidedAt); err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}
	if w.Kind != clearance.KindRepeat {
		if _, err := tx.ExecContext(ctx, `
			insert into decision_revisions (request_id, revision, actor_id, kind, status, remarks, decided_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, requestID, d.Revision, w.ActorID, string(w.Kind), string(d.Status), d.Remarks, d.DecidedAt); err != nil {
			return clearance.Request{}, clearance.DecisionWrite{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return clearance.Request{}, clearance.DecisionWrite{}, err
	}

	current.Status = d.Status
	current.UpdatedAt = d.DecidedAt
	d.RequestID = requestID
	current.Decision = &d
	return current, w, nil
}

func (s *Store) Revisions(ctx context.Context, requestID string) ([]clearance.Revision, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from clearance_requests where id = $1)`, requestID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, clearance.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select request_id, revision, actor_id, kind, status, remarks, decided_at
		from decision_revisions
		where request_id = $1
		order by revision
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clearance.Revision
	for rows.Next() {
		var (
			rev          clearance.Revision
			kind, status string
		)
		if err := rows.Scan(&rev.RequestID, &rev.Revision, &rev.ActorID, &kind, &status, &rev.Remarks, &rev.DecidedAt); err != nil {
			return nil, err
		}
		rev.Kind = clearance.DecisionKind(kind)
		rev.Status = clearance.Status(status)
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRequests streams rows from one statement; breaking out of the loop closes the cursor.
func (s *Store) ListRequests(ctx context.Context, q clearance.Query) iter.Seq2[clearance.Request, error] {
	return func(yield func(clearance.Request, error) bool) {
		if s.db == nil {
			yield(clearance.Request{}, errNoDB)
			return
		}
		where, args := whereClause(q)
		rows, err := s.db.QueryContext(ctx, `select `+requestColumns+` `+requestFrom+where+` order by r.id`, args...)
		if err != nil {
			yield(clearance.Request{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				yield(clearance.Request{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(clearance.Request{}, err)
		}
	}
}

func (s *Store) CountRequests(ctx context.Context, q clearance.Query) (clearance.Counts, error) {
	if s.db == nil {
		return clearance.Counts{}, errNoDB
	}
	where, args := whereClause(q)
	var c clearance.Counts
	err := s.db.QueryRowContext(ctx, `
		select count(*) filter (where r.status = 'pending'),
			count(*) filter (where r.status = 'approved'),
			count(*) filter (where r.status = 'rejected')
		`+requestFrom+where, args...).Scan(&c.Pending, &c.Approved, &c.Rejected)
	if err != nil {
		return clearance.Counts{}, err
	}
	return c, nil
}

func (s *Store) CountByDomain(ctx context.Context) (map[string]clearance.Counts, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select domain,
			count(*) filter (where status = 'pending'),
			count(*) filter (where status = 'approved'),
			count(*) filter (where status = 'rejected')
		from clearance_requests
		group by domain
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]clearance.Counts)
	for rows.Next() {
		var (
			domain string
			c      clearance.Counts
		)
		if err := rows.Scan(&domain, &c.Pending, &c.Approved, &c.Rejected); err != nil {
			return nil, err
		}
		out[domain] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func whereClause(q clearance.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.RequesterID != "" {
		add("r.requester_id = $%d", q.RequesterID)
	}
	if q.Domain != "" {
		add("r.domain = $%d", q.Domain)
	}
	if q.DepartmentKey != "" {
		add("r.department_key = $%d", q.DepartmentKey)
	}
	if q.DecidedBy != "" {
		add("d.reviewer_id = $%d", q.DecidedBy)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		add("r.status = any($%d)", statuses)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

const messageColumns = `id, request_id, sender_id, recipient_id, content, sent_at, read`

func scanMessage(row scanner) (clearance.Message, error) {
	var m clearance.Message
	err := row.Scan(&m.ID, &m.RequestID, &m.SenderID, &m.RecipientID, &m.Content, &m.SentAt, &m.Read)
	return m, err
}

func (s *Store) AddMessage(ctx context.Context, m clearance.Message) (clearance.Message, error) {
	if s.db == nil {
		return clearance.Message{}, errNoDB
	}
	stored, err := scanMessage(s.db.QueryRowContext(ctx, `
		insert into messages (id, request_id, sender_id, recipient_id, content, sent_at, read)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+messageColumns,
		m.ID, m.RequestID, m.SenderID, m.RecipientID, m.Content, m.SentAt, m.Read))
	if isCode(err, pgErrForeignKeyViolation) {
		return clearance.Message{}, clearance.ErrNotFound
	}
	if err != nil {
		return clearance.Message{}, err
	}
	return stored, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (clearance.Message, error) {
	if s.db == nil {
		return clearance.Message{}, errNoDB
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `select `+messageColumns+` from messages where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return clearance.Message{}, clearance.ErrNotFound
	}
	if err != nil {
		return clearance.Message{}, err
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, requestID string) ([]clearance.Message, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+messageColumns+` from messages where request_id = $1 order by id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []clearance.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) (clearance.Message, error) {
	if s.db == nil {
		return clearance.Message{}, errNoDB
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, `update messages set read = true where id = $1 returning `+messageColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return clearance.Message{}, clearance.ErrNotFound
	}
	if err != nil {
		return clearance.Message{}, err
	}
	return m, nil
}
