package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clearance.org/internal/auth"
	"clearance.org/internal/identity"
	"clearance.org/internal/routing"
)

var _ identity.Store = (*Store)(nil)

const identityColumns = `id, external_id, email, full_name, role, department, domain_tag,
	phone, bio, position, avatar_ref, active, created_at, updated_at`

func scanIdentity(row scanner) (identity.Identity, error) {
	var (
		id   identity.Identity
		role string
	)
	err := row.Scan(&id.ID, &id.ExternalID, &id.Email, &id.FullName, &role, &id.Department, &id.DomainTag,
		&id.Phone, &id.Bio, &id.Position, &id.AvatarRef, &id.Active, &id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		return identity.Identity{}, err
	}
	id.Role = auth.Role(role)
	return id, nil
}

func (s *Store) FindEligibility(ctx context.Context, externalID, email string) (identity.EligibilityRecord, error) {
	if s.db == nil {
		return identity.EligibilityRecord{}, errNoDB
	}
	var (
		rec    identity.EligibilityRecord
		role   string
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		select external_id, email, full_name, department, domain_tag, role, status, phone
		from eligibility_records
		where external_id = $1 and lower(email) = lower($2)
	`, externalID, email).Scan(&rec.ExternalID, &rec.Email, &rec.FullName, &rec.Department, &rec.DomainTag, &role, &status, &rec.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.EligibilityRecord{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.EligibilityRecord{}, err
	}
	rec.Role = auth.Role(role)
	rec.Status = identity.EligibilityStatus(status)
	return rec, nil
}

// UpsertEligibility mirrors the in-memory rules: an email owned by another record conflicts,
// an identical record is unchanged and a consumed record cannot be altered.
func (s *Store) UpsertEligibility(ctx context.Context, rec identity.EligibilityRecord) (identity.UpsertOutcome, error) {
	if s.db == nil {
		return "", errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `
		select external_id from eligibility_records
		where lower(email) = lower($1) and external_id <> $2
	`, rec.Email, rec.ExternalID).Scan(&owner)
	switch {
	case err == nil:
		return "", identity.ErrConflict
	case !errors.Is(err, sql.ErrNoRows):
		return "", err
	}

	var (
		prev         identity.EligibilityRecord
		role, status string
		exists       = true
	)
	err = tx.QueryRowContext(ctx, `
		select external_id, email, full_name, department, domain_tag, role, status, phone
		from eligibility_records
		where external_id = $1
		for update
	`, rec.ExternalID).Scan(&prev.ExternalID, &prev.Email, &prev.FullName, &prev.Department, &prev.DomainTag, &role, &status, &prev.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", err
	}
	prev.Role = auth.Role(role)
	prev.Status = identity.EligibilityStatus(status)
	if exists && prev == rec {
		return identity.OutcomeUnchanged, nil
	}

	var consumed bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from identities where external_id = $1)`, rec.ExternalID).Scan(&consumed); err != nil {
		return "", err
	}
	if consumed {
		return "", identity.ErrEligibilityConsumed
	}

	if _, err := tx.ExecContext(ctx, `
		insert into eligibility_records (external_id, email, full_name, department, domain_tag, role, status, phone, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, now())
		on conflict (external_id) do update
		set email = excluded.email, full_name = excluded.full_name, department = excluded.department,
			domain_tag = excluded.domain_tag, role = excluded.role, status = excluded.status,
			phone = excluded.phone, updated_at = excluded.updated_at
	`, rec.ExternalID, rec.Email, rec.FullName, rec.Department, rec.DomainTag, string(rec.Role), string(rec.Status), rec.Phone); err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return "", identity.ErrConflict
		}
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	if exists {
		return identity.OutcomeUpdated, nil
	}
	return identity.OutcomeInserted, nil
}

// CreateIdentity relies on the unique external_id constraint; the loser of a race reads
// back the winner's row.
func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity) (identity.Identity, bool, error) {
	if s.db == nil {
		return identity.Identity{}, false, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into identities (id, external_id, email, full_name, role, department, department_key,
			domain_tag, domain_key, phone, bio, position, avatar_ref, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		on conflict (external_id) do nothing
		returning `+identityColumns,
		id.ID, id.ExternalID, id.Email, id.FullName, string(id.Role), id.Department, routing.NormalizeDepartment(id.Department),
		id.DomainTag, routing.NormalizeDomain(id.DomainTag), id.Phone, id.Bio, id.Position, id.AvatarRef, id.Active, id.CreatedAt, id.UpdatedAt)
	created, err := scanIdentity(row)
	switch {
	case err == nil:
		return created, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.IdentityByExternalID(ctx, id.ExternalID)
		if err != nil {
			return identity.Identity{}, false, err
		}
		return existing, false, nil
	case isCode(err, pgErrUniqueViolation), isCode(err, pgErrForeignKeyViolation):
		return identity.Identity{}, false, fmt.Errorf("%w: %v", identity.ErrConflict, err)
	default:
		return identity.Identity{}, false, err
	}
}

func (s *Store) IdentityByID(ctx context.Context, id string) (identity.Identity, error) {
	return s.identityWhere(ctx, "id = $1", id)
}

func (s *Store) IdentityByExternalID(ctx context.Context, externalID string) (identity.Identity, error) {
	return s.identityWhere(ctx, "external_id = $1", externalID)
}

func (s *Store) identityWhere(ctx context.Context, cond string, arg any) (identity.Identity, error) {
	if s.db == nil {
		return identity.Identity{}, errNoDB
	}
	v, err := scanIdentity(s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return v, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd identity.ProfileUpdate, at time.Time) (identity.Identity, error) {
	if s.db == nil {
		return identity.Identity{}, errNoDB
	}
	v, err := scanIdentity(s.db.QueryRowContext(ctx, `
		update identities
		set phone = coalesce($2, phone), bio = coalesce($3, bio), position = coalesce($4, position),
			avatar_ref = coalesce($5, avatar_ref), updated_at = $6
		where id = $1
		returning `+identityColumns,
		id, nullable(upd.Phone), nullable(upd.Bio), nullable(upd.Position), nullable(upd.AvatarRef), at))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return v, nil
}

func (s *Store) Deactivate(ctx context.Context, id string, at time.Time) (identity.Identity, error) {
	if s.db == nil {
		return identity.Identity{}, errNoDB
	}
	v, err := scanIdentity(s.db.QueryRowContext(ctx, `
		update identities
		set active = false, updated_at = case when active then $2 else updated_at end
		where id = $1
		returning `+identityColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return v, nil
}

func (s *Store) ListByDepartment(ctx context.Context, department string) ([]identity.Identity, error) {
	return s.identities(ctx, `department_key = $1 order by id`, routing.NormalizeDepartment(department))
}

func (s *Store) ReviewersByDomain(ctx context.Context, domainTag string) ([]routing.Reviewer, error) {
	list, err := s.identities(ctx, `role = 'reviewer' and active and domain_key = $1 order by id`, domainTag)
	if err != nil {
		return nil, err
	}
	out := make([]routing.Reviewer, len(list))
	for i, v := range list {
		out[i] = v.Reviewer()
	}
	return out, nil
}

func (s *Store) identities(ctx context.Context, cond string, args ...any) ([]identity.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+identityColumns+` from identities where `+cond, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Identity
	for rows.Next() {
		v, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
