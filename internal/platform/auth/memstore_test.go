package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hms/hms/internal/platform/audit"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]User
	creds    map[uuid.UUID]Credential
	tenants  map[uuid.UUID]Tenant
	staff    map[[2]uuid.UUID]Staff
	roles    map[uuid.UUID]Role
	sessions map[uuid.UUID]Session

	tenantErr error
	// sessionErr fails RevokeSession and DeleteSession.
	sessionErr error
	// staleUser, when set, is what GetUserByID returns, as a reader racing
	// another writer would see it.
	staleUser *User
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[uuid.UUID]User{},
		creds:    map[uuid.UUID]Credential{},
		tenants:  map[uuid.UUID]Tenant{},
		staff:    map[[2]uuid.UUID]Staff{},
		roles:    map[uuid.UUID]Role{},
		sessions: map[uuid.UUID]Session{},
	}
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := u
			cp.BackupCodes = append([]string(nil), u.BackupCodes...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if m.staleUser != nil && m.staleUser.ID == id {
		u, ok = *m.staleUser, true
	}
	if !ok {
		return nil, ErrNotFound
	}
	u.BackupCodes = append([]string(nil), u.BackupCodes...)
	return &u, nil
}

func (m *memStore) GetCredential(_ context.Context, userID uuid.UUID, provider string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok || c.Provider != provider {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memStore) UpdateMFA(_ context.Context, userID uuid.UUID, enabled bool, secret string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.MFAEnabled, u.TOTPSecret, u.BackupCodes = enabled, secret, append([]string(nil), codes...)
	m.users[userID] = u
	return nil
}

func (m *memStore) ConsumeBackupCode(_ context.Context, userID uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for i, h := range u.BackupCodes {
		if h == hash {
			u.BackupCodes = append(append([]string(nil), u.BackupCodes[:i]...), u.BackupCodes[i+1:]...)
			m.users[userID] = u
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) GetTenant(_ context.Context, id uuid.UUID) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tenantErr != nil {
		return nil, m.tenantErr
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *memStore) GetStaff(_ context.Context, userID, tenantID uuid.UUID) (*Staff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[[2]uuid.UUID{userID, tenantID}]
	if !ok {
		return nil, ErrNotFound
	}
	s.RoleIDs = append([]uuid.UUID(nil), s.RoleIDs...)
	return &s, nil
}

func (m *memStore) GetRolesByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, id := range ids {
		if r, ok := m.roles[id]; ok && r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) findSession(match func(Session) bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if match(s) {
			cp := s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetSessionByTokenHash(_ context.Context, hash string) (*Session, error) {
	return m.findSession(func(s Session) bool { return s.TokenHash == hash })
}

func (m *memStore) GetSessionByRefreshHash(_ context.Context, hash string) (*Session, error) {
	return m.findSession(func(s Session) bool { return s.RefreshHash == hash })
}

func (m *memStore) RotateSession(_ context.Context, id uuid.UUID, oldRefreshHash string, next *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RefreshHash != oldRefreshHash || s.RevokedAt != nil {
		return ErrNotFound
	}
	s.TokenHash, s.RefreshHash = next.TokenHash, next.RefreshHash
	s.IssuedAt, s.ExpiresAt, s.RefreshExpiresAt = next.IssuedAt, next.ExpiresAt, next.RefreshExpiresAt
	m.sessions[id] = s
	return nil
}

func (m *memStore) RevokeSession(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return m.sessionErr
	}
	if s, ok := m.sessions[id]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
		m.sessions[id] = s
	}
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionErr != nil {
		return m.sessionErr
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) ListLiveSessions(_ context.Context, userID uuid.UUID, tenantID *uuid.UUID, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Live(now) {
			continue
		}
		if tenantID != nil && s.TenantID != *tenantID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *memStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.RefreshExpiresAt.Before(cutoff) || (s.RevokedAt != nil && s.ExpiresAt.Before(cutoff)) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) setTenantStatus(id uuid.UUID, status TenantStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[id]
	t.Status = status
	m.tenants[id] = t
}

func (m *memStore) setStaffStatus(userID, tenantID uuid.UUID, status StaffStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]uuid.UUID{userID, tenantID}
	s := m.staff[key]
	s.Status = status
	m.staff[key] = s
}

// Seeding helpers.

func (m *memStore) addTenant(name string, status TenantStatus) Tenant {
	t := Tenant{ID: uuid.New(), Name: name, Status: status, PricingTier: "BASIC"}
	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()
	return t
}

func (m *memStore) addRole(tenantID uuid.UUID, name string, perms ...string) Role {
	r := Role{ID: uuid.New(), TenantID: tenantID, Name: name, Permissions: mustPermissions(perms...),
		IsSystem: RoleRank(name) < CustomRoleRank, Active: true}
	m.mu.Lock()
	m.roles[r.ID] = r
	m.mu.Unlock()
	return r
}

func (m *memStore) addUser(t *testing.T, email, password string) User {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := User{ID: uuid.New(), Email: email, Name: "Test " + email, EmailVerified: true}
	m.mu.Lock()
	m.users[u.ID] = u
	m.creds[u.ID] = Credential{UserID: u.ID, Provider: ProviderCredential, PasswordHash: string(h)}
	m.mu.Unlock()
	return u
}

func (m *memStore) addStaff(userID, tenantID uuid.UUID, status StaffStatus, roles ...Role) Staff {
	s := Staff{ID: uuid.New(), UserID: userID, TenantID: tenantID, Status: status, Department: "cardiology"}
	for _, r := range roles {
		s.RoleIDs = append(s.RoleIDs, r.ID)
	}
	m.mu.Lock()
	m.staff[[2]uuid.UUID{userID, tenantID}] = s
	m.mu.Unlock()
	return s
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Emit(e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) last(eventType string) (audit.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			return l.events[i], true
		}
	}
	return audit.Event{}, false
}

type failingRegistry struct{}

func (failingRegistry) Revoke(context.Context, string, time.Duration) error {
	return errors.New("registry unreachable")
}

func (failingRegistry) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("registry unreachable")
}

var testKey = []byte("test-signing-key-with-at-least-32-bytes")

// fixture seeds one user with a DOCTOR membership in tenant A and a
// CONSULTANT membership in tenant B.
type fixture struct {
	store    *memStore
	clock    *testClock
	events   *eventLog
	cache    *MemorySessionCache
	registry *MemoryRevocationRegistry
	svc      *Service

	tenantA, tenantB Tenant
	doctor           Role
	consultant       Role
	user             User
	password         string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		clock:    newTestClock(),
		events:   &eventLog{},
		password: "correct horse battery staple",
	}
	f.tenantA = f.store.addTenant("General Hospital", TenantStatusActive)
	f.tenantB = f.store.addTenant("City Clinic", TenantStatusVerified)
	f.doctor = f.store.addRole(f.tenantA.ID, RoleDoctor, "PATIENT:READ", "PRESCRIPTION:CREATE")
	f.consultant = f.store.addRole(f.tenantB.ID, RoleConsultant, "PATIENT:READ")
	f.user = f.store.addUser(t, "dr.grey@example.com", f.password)
	f.store.addStaff(f.user.ID, f.tenantA.ID, StaffActive, f.doctor)
	f.store.addStaff(f.user.ID, f.tenantB.ID, StaffActive, f.consultant)

	f.cache = NewMemorySessionCache(100, time.Hour)
	f.cache.now = f.clock.Now
	f.registry = NewMemoryRevocationRegistry(0)
	f.registry.now = f.clock.Now
	challenges := NewMemoryChallengeStore()
	challenges.now = f.clock.Now

	tokens, err := NewTokenIssuer(testKey, "hms-test")
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithSessionCache(f.cache),
		WithRevocationRegistry(f.registry),
		WithChallengeStore(challenges),
		WithEvents(f.events),
		WithBackupCodeCost(bcrypt.MinCost),
	}
	f.svc = NewService(f.store, tokens, append(base, opts...)...)
	return f
}

func (f *fixture) login(t *testing.T, tenantID uuid.UUID) *TokenResponse {
	t.Helper()
	resp, err := f.svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Username: f.user.Email,
		Password: f.password,
		TenantID: tenantID.String(),
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}
	return resp
}

func (f *fixture) resolve(t *testing.T, token string) Identity {
	t.Helper()
	id, err := f.svc.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return id
}

func assertCode(t *testing.T, err error, want Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func permStrings(id Identity) []string {
	return PermissionStrings(id.Permissions())
}
