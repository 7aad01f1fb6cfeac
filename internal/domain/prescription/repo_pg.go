package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const columns = `id, tenant_id, patient_id, doctor_id, medication, dosage, instructions, status, created_at, updated_at`

func scan(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.TenantID, &p.PatientID, &p.DoctorID, &p.Medication, &p.Dosage,
		&p.Instructions, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO prescription (id, tenant_id, patient_id, doctor_id, medication, dosage, instructions, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.PatientID, p.DoctorID, p.Medication, p.Dosage, p.Instructions, p.Status)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("create prescription: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Prescription, error) {
	p, err := scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+columns+` FROM prescription WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Prescription) error {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE prescription SET
			medication = $3, dosage = $4, instructions = $5, status = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at`,
		p.TenantID, p.ID, p.Medication, p.Dosage, p.Instructions, p.Status)
	if err := row.Scan(&p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = auth.ErrNotFound
		}
		return fmt.Errorf("update prescription: %w", err)
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM prescription WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete prescription: %w", auth.ErrNotFound)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, tenantID uuid.UUID, filter Filter, limit, offset int) ([]*Prescription, int, error) {
	conn := db.Conn(ctx, r.pool)
	where := ` WHERE tenant_id = $1
		AND ($2::uuid IS NULL OR patient_id = $2)
		AND ($3::uuid IS NULL OR doctor_id = $3)
		AND ($4 = '' OR status = $4)`
	args := []any{tenantID, nullable(filter.PatientID), nullable(filter.DoctorID), string(filter.Status)}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM prescription`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	rows, err := conn.Query(ctx,
		`SELECT `+columns+` FROM prescription`+where+` ORDER BY created_at DESC, id LIMIT $5 OFFSET $6`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list prescriptions: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	return out, total, nil
}

func (r *repoPG) OwnerOf(ctx context.Context, tenantID, id uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT doctor_id FROM prescription WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("prescription owner: %w", auth.ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("prescription owner: %w", err)
	}
	return owner, nil
}

func nullable(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
