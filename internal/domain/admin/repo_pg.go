package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
)

// -- Tenant Repository --

type tenantRepoPG struct {
	pool *pgxpool.Pool
}

func NewTenantRepo(pool *pgxpool.Pool) TenantRepository {
	return &tenantRepoPG{pool: pool}
}

const tenantColumns = `id, name, status, admin_email, pricing_tier, created_at, updated_at`

func scanTenant(row pgx.Row) (*auth.Tenant, error) {
	var t auth.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.AdminEmail, &t.PricingTier, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tenantRepoPG) GetTenant(ctx context.Context, id uuid.UUID) (*auth.Tenant, error) {
	t, err := scanTenant(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenant WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (r *tenantRepoPG) UpdateTenantStatus(ctx context.Context, id uuid.UUID, from, to auth.TenantStatus) (*auth.Tenant, error) {
	t, err := scanTenant(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE tenant SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+tenantColumns, id, from, to))
	if err != nil {
		return nil, fmt.Errorf("update tenant status: %w", err)
	}
	return t, nil
}

// -- Staff Repository --

type staffRepoPG struct {
	pool *pgxpool.Pool
}

func NewStaffRepo(pool *pgxpool.Pool) StaffRepository {
	return &staffRepoPG{pool: pool}
}

func (r *staffRepoPG) ListStaff(ctx context.Context, tenantID uuid.UUID, filter StaffFilter, limit, offset int) ([]*auth.Staff, int, error) {
	conn := db.Conn(ctx, r.pool)
	where := ` WHERE s.tenant_id = $1
		AND ($2 = '' OR s.status = $2)
		AND ($3 = '' OR s.department = $3)`
	args := []any{tenantID, string(filter.Status), filter.Department}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM staff s`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count staff: %w", err)
	}

	rows, err := conn.Query(ctx,
		auth.StaffSelect+where+auth.StaffGroupBy+` ORDER BY s.created_at, s.id LIMIT $4 OFFSET $5`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()

	var out []*auth.Staff
	for rows.Next() {
		st, err := auth.ScanStaff(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list staff: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list staff: %w", err)
	}
	return out, total, nil
}

func (r *staffRepoPG) GetStaffByID(ctx context.Context, tenantID, id uuid.UUID) (*auth.Staff, error) {
	st, err := auth.ScanStaff(db.Conn(ctx, r.pool).QueryRow(ctx,
		auth.StaffSelect+` WHERE s.tenant_id = $1 AND s.id = $2`+auth.StaffGroupBy, tenantID, id))
	if err != nil {
		return nil, fmt.Errorf("get staff: %w", err)
	}
	return st, nil
}

func (r *staffRepoPG) UpdateStaffStatus(ctx context.Context, tenantID, id uuid.UUID, status auth.StaffStatus) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE staff SET status = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status)
	if err != nil {
		return fmt.Errorf("update staff status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update staff status: %w", auth.ErrNotFound)
	}
	return nil
}

// -- Role Repository --

type roleRepoPG struct {
	pool  *pgxpool.Pool
	store *auth.PGStore
}

func NewRoleRepo(pool *pgxpool.Pool) RoleRepository {
	return &roleRepoPG{pool: pool, store: auth.NewPGStore(pool)}
}

func (r *roleRepoPG) ListRoles(ctx context.Context, tenantID uuid.UUID) ([]*auth.Role, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+auth.RoleColumns+` FROM role WHERE tenant_id = $1 ORDER BY is_system DESC, name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		role, err := auth.ScanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return out, nil
}

func (r *roleRepoPG) GetRolesByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]auth.Role, error) {
	return r.store.GetRolesByIDs(ctx, tenantID, ids)
}

func (r *roleRepoPG) CreateRole(ctx context.Context, role *auth.Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO role (id, tenant_id, name, permissions, is_system, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		role.ID, role.TenantID, role.Name, auth.PermissionStrings(role.Permissions),
		role.IsSystem, role.Active, role.CreatedAt)
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}
