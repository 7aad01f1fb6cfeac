package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

// PGStore implements Store on PostgreSQL. Calls join a transaction started
// with db.WithTx on the same context.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const userCols = `id, email, name, email_verified, mfa_enabled, COALESCE(totp_secret, ''), backup_codes, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.MFAEnabled, &u.TOTPSecret,
		&u.BackupCodes, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE lower(email) = lower($1)`, email))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *PGStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PGStore) GetCredential(ctx context.Context, userID uuid.UUID, provider string) (*Credential, error) {
	c := Credential{UserID: userID, Provider: provider}
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT password_hash FROM credential WHERE user_id = $1 AND provider = $2`,
		userID, provider).Scan(&c.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", notFound(err))
	}
	return &c, nil
}

func (s *PGStore) UpdateMFA(ctx context.Context, userID uuid.UUID, enabled bool, secret string, backupCodes []string) error {
	if backupCodes == nil {
		backupCodes = []string{}
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE app_user SET mfa_enabled = $2, totp_secret = NULLIF($3, ''), backup_codes = $4, updated_at = NOW()
		WHERE id = $1`, userID, enabled, secret, backupCodes)
	if err != nil {
		return fmt.Errorf("update mfa: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update mfa: %w", ErrNotFound)
	}
	return nil
}

func (s *PGStore) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE app_user SET backup_codes = array_remove(backup_codes, $2), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(backup_codes)`, userID, hash)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consume backup code: %w", ErrNotFound)
	}
	return nil
}

func (s *PGStore) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	var t Tenant
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, name, status, admin_email, pricing_tier, created_at, updated_at
		FROM tenant WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.AdminEmail, &t.PricingTier, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", notFound(err))
	}
	return &t, nil
}

// StaffSelect selects a staff row with its ordered role ids; callers append
// a WHERE clause and must end with StaffGroupBy.
const StaffSelect = `
	SELECT s.id, s.user_id, s.tenant_id, s.status, s.department, s.specialization, s.shift,
	       COALESCE(array_agg(sr.role_id::text ORDER BY sr.position) FILTER (WHERE sr.role_id IS NOT NULL), '{}')
	FROM staff s
	LEFT JOIN staff_role sr ON sr.staff_id = s.id`

const StaffGroupBy = ` GROUP BY s.id`

// ScanStaff scans one row produced by StaffSelect.
func ScanStaff(row pgx.Row) (*Staff, error) {
	var st Staff
	var roleIDs []string
	if err := row.Scan(&st.ID, &st.UserID, &st.TenantID, &st.Status, &st.Department,
		&st.Specialization, &st.Shift, &roleIDs); err != nil {
		return nil, notFound(err)
	}
	st.RoleIDs = make([]uuid.UUID, 0, len(roleIDs))
	for _, raw := range roleIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("staff %s: role id %q: %w", st.ID, raw, err)
		}
		st.RoleIDs = append(st.RoleIDs, id)
	}
	return &st, nil
}

func (s *PGStore) GetStaff(ctx context.Context, userID, tenantID uuid.UUID) (*Staff, error) {
	st, err := ScanStaff(s.conn(ctx).QueryRow(ctx,
		StaffSelect+` WHERE s.user_id = $1 AND s.tenant_id = $2`+StaffGroupBy, userID, tenantID))
	if err != nil {
		return nil, fmt.Errorf("get staff: %w", err)
	}
	return st, nil
}

// RoleColumns is the column list ScanRole expects.
const RoleColumns = `id, tenant_id, name, permissions, is_system, active, created_at`

// ScanRole scans one row selecting RoleColumns.
func ScanRole(row pgx.Row) (*Role, error) {
	var r Role
	var perms []string
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &perms, &r.IsSystem, &r.Active, &r.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	parsed, err := ParsePermissions(perms)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", r.Name, err)
	}
	r.Permissions = parsed
	return &r, nil
}

func (s *PGStore) GetRolesByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+RoleColumns+` FROM role WHERE tenant_id = $1 AND id = ANY($2::uuid[])`, tenantID, raw)
	if err != nil {
		return nil, fmt.Errorf("get roles: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]Role, len(ids))
	for rows.Next() {
		r, err := ScanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("get roles: %w", err)
		}
		byID[r.ID] = *r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get roles: %w", err)
	}

	out := make([]Role, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

const sessionCols = `id, token_hash, refresh_hash, user_id, tenant_id, staff_id, issued_at, expires_at,
	refresh_expires_at, ip_address, user_agent, revoked_at`

func scanSession(row pgx.Row) (*Session, error) {
	var ss Session
	err := row.Scan(&ss.ID, &ss.TokenHash, &ss.RefreshHash, &ss.UserID, &ss.TenantID, &ss.StaffID,
		&ss.IssuedAt, &ss.ExpiresAt, &ss.RefreshExpiresAt, &ss.IPAddress, &ss.UserAgent, &ss.RevokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ss, nil
}

func (s *PGStore) CreateSession(ctx context.Context, ss *Session) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO session (`+sessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ss.ID, ss.TokenHash, ss.RefreshHash, ss.UserID, ss.TenantID, ss.StaffID, ss.IssuedAt,
		ss.ExpiresAt, ss.RefreshExpiresAt, ss.IPAddress, ss.UserAgent, ss.RevokedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error) {
	ss, err := scanSession(s.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session WHERE token_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

func (s *PGStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	ss, err := scanSession(s.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session WHERE refresh_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("get session by refresh token: %w", err)
	}
	return ss, nil
}

func (s *PGStore) RotateSession(ctx context.Context, id uuid.UUID, oldRefreshHash string, next *Session) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE session
		SET token_hash = $3, refresh_hash = $4, issued_at = $5, expires_at = $6, refresh_expires_at = $7
		WHERE id = $1 AND refresh_hash = $2 AND revoked_at IS NULL`,
		id, oldRefreshHash, next.TokenHash, next.RefreshHash, next.IssuedAt, next.ExpiresAt, next.RefreshExpiresAt)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rotate session: %w", ErrNotFound)
	}
	return nil
}

func (s *PGStore) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE session SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM session WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PGStore) ListLiveSessions(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID, now time.Time) ([]Session, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+sessionCols+` FROM session
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		  AND ($3::uuid IS NULL OR tenant_id = $3)
		ORDER BY issued_at DESC`, userID, now, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, *ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *PGStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		DELETE FROM session
		WHERE refresh_expires_at < $1 OR (revoked_at IS NOT NULL AND expires_at < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
