package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hms/hms/internal/platform/audit"
)

const (
	msgTenantNotFound  = "Organization not found"
	msgTenantNotActive = "Organization is not active"
	msgNotAssociated   = "You are not associated with this organization"
	msgChallengeGone   = "MFA challenge is invalid or expired"
)

// Grant types accepted by the token endpoint.
const (
	GrantPassword          = "password"
	GrantRefreshToken      = "refresh_token"
	GrantMFA               = "mfa"
	GrantSwitchTenant      = "switch_tenant"
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
)

// ClientMeta describes the client a request came from.
type ClientMeta struct {
	IP        string
	UserAgent string
}

type PasswordGrantRequest struct {
	Username string
	Password string
	TenantID string
	Client   ClientMeta
}

type MFAGrantRequest struct {
	ChallengeToken string
	Code           string
	Client         ClientMeta
}

type RefreshGrantRequest struct {
	RefreshToken string
	Client       ClientMeta
}

type TenantSummary struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TokenResponse is either a token pair or, when MFARequired is set, an MFA
// challenge without tokens.
type TokenResponse struct {
	AccessToken    string         `json:"access_token,omitempty"`
	RefreshToken   string         `json:"refresh_token,omitempty"`
	TokenType      string         `json:"token_type,omitempty"`
	ExpiresIn      int            `json:"expires_in"`
	Tenant         *TenantSummary `json:"tenant,omitempty"`
	MFARequired    bool           `json:"mfa_required,omitempty"`
	ChallengeToken string         `json:"challenge_token,omitempty"`
}

type HospitalSummary struct {
	ID     uuid.UUID    `json:"id"`
	Name   string       `json:"name"`
	Status TenantStatus `json:"status"`
}

type MeData struct {
	ID          uuid.UUID         `json:"id"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	TenantID    uuid.UUID         `json:"tenantId"`
	StaffID     uuid.UUID         `json:"staffId"`
	Roles       []RoleRef         `json:"roles"`
	Permissions []Permission      `json:"permissions"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Hospital    *HospitalSummary  `json:"hospital,omitempty"`
}

type MeResponse struct {
	Data MeData `json:"data"`
}

type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenantId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Current   bool      `json:"current"`
}

type MFAEnrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// Service is the authentication core: grants, refresh, tenant switch,
// revocation and per-request identity resolution.
type Service struct {
	store       Store
	tokens      *TokenIssuer
	cache       SessionCache
	revocations RevocationRegistry
	challenges  ChallengeStore
	events      audit.Emitter
	recorder    Recorder
	logger      zerolog.Logger
	now         func() time.Time

	sessionTTL   time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	mfaIssuer    string
	backupCost   int

	loads singleflight.Group
}

type Option func(*Service)

func WithSessionCache(c SessionCache) Option { return func(s *Service) { s.cache = c } }
func WithRevocationRegistry(r RevocationRegistry) Option {
	return func(s *Service) { s.revocations = r }
}
func WithChallengeStore(c ChallengeStore) Option { return func(s *Service) { s.challenges = c } }
func WithEvents(e audit.Emitter) Option          { return func(s *Service) { s.events = e } }
func WithRecorder(r Recorder) Option             { return func(s *Service) { s.recorder = r } }
func WithLogger(l zerolog.Logger) Option         { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }
func WithMFAIssuer(issuer string) Option         { return func(s *Service) { s.mfaIssuer = issuer } }

// WithBackupCodeCost sets the bcrypt cost used for new backup codes.
func WithBackupCodeCost(cost int) Option { return func(s *Service) { s.backupCost = cost } }

// WithLifetimes overrides the access, refresh and challenge lifetimes. Zero
// values keep the defaults.
func WithLifetimes(session, refresh, challenge time.Duration) Option {
	return func(s *Service) {
		if session > 0 {
			s.sessionTTL = session
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
		if challenge > 0 {
			s.challengeTTL = challenge
		}
	}
}

// NewService builds the core. Without explicit options, the session cache,
// revocation registry and challenge store live in process memory.
func NewService(store Store, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{
		store:        store,
		events:       audit.Discard,
		recorder:     nopRecorder{},
		logger:       zerolog.Nop(),
		now:          time.Now,
		sessionTTL:   time.Hour,
		refreshTTL:   7 * 24 * time.Hour,
		challengeTTL: 5 * time.Minute,
		mfaIssuer:    "HMS",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewMemorySessionCache(0, s.sessionTTL)
	}
	if s.revocations == nil {
		s.revocations = NewMemoryRevocationRegistry(0)
	}
	if s.challenges == nil {
		s.challenges = NewMemoryChallengeStore()
	}
	s.tokens = tokens.WithClock(s.now)
	return s
}

// SessionTTL is the lifetime of an access token.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// PasswordGrant authenticates with email and password against one tenant.
// Unknown email, missing credential and wrong password are reported
// identically.
func (s *Service) PasswordGrant(ctx context.Context, req PasswordGrantRequest) (resp *TokenResponse, err error) {
	defer func() { s.recorder.Grant(GrantPassword, grantOutcome(resp, err)) }()

	email := strings.ToLower(strings.TrimSpace(req.Username))
	if email == "" || req.Password == "" || strings.TrimSpace(req.TenantID) == "" {
		return nil, InvalidRequest("username, password and tenant_id are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, Internal(err)
		}
		burnPasswordCompare(req.Password)
		return nil, s.badCredentials(uuid.Nil, "unknown_user", req.Client)
	}

	cred, err := s.store.GetCredential(ctx, user.ID, ProviderCredential)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, Internal(err)
		}
		burnPasswordCompare(req.Password)
		return nil, s.badCredentials(user.ID, "no_credential", req.Client)
	}
	if !ComparePassword(cred.PasswordHash, req.Password) {
		return nil, s.badCredentials(user.ID, "wrong_password", req.Client)
	}

	tenantID, err := uuid.Parse(strings.TrimSpace(req.TenantID))
	if err != nil {
		return nil, TenantInactive(msgTenantNotFound)
	}
	tenant, staff, err := s.membership(ctx, user.ID, tenantID)
	if err != nil {
		return nil, err
	}

	if user.MFAEnabled {
		return s.startChallenge(ctx, user.ID, tenant.ID)
	}
	return s.issue(ctx, user, tenant, staff, req.Client)
}

func (s *Service) badCredentials(userID uuid.UUID, reason string, client ClientMeta) error {
	e := audit.Event{
		Type:     audit.EventInvalidCredentials,
		Severity: audit.SeverityMedium,
		SourceIP: client.IP,
		Detail:   map[string]any{"reason": reason},
	}
	if userID != uuid.Nil {
		e.UserID = userID.String()
	}
	s.events.Emit(e)
	return InvalidCredentials()
}

func (s *Service) startChallenge(ctx context.Context, userID, tenantID uuid.UUID) (*TokenResponse, error) {
	token, err := NewOpaqueToken()
	if err != nil {
		return nil, Internal(err)
	}
	ch := MFAChallenge{UserID: userID, TenantID: tenantID, ExpiresAt: s.now().Add(s.challengeTTL)}
	if err := s.challenges.Put(ctx, token, ch); err != nil {
		return nil, Unavailable(err)
	}
	return &TokenResponse{
		MFARequired:    true,
		ChallengeToken: token,
		ExpiresIn:      int(s.challengeTTL.Seconds()),
	}, nil
}

// MFAGrant exchanges an MFA challenge and a TOTP or backup code for a
// session. A wrong code leaves the challenge usable until it expires.
func (s *Service) MFAGrant(ctx context.Context, req MFAGrantRequest) (resp *TokenResponse, err error) {
	defer func() { s.recorder.Grant(GrantMFA, grantOutcome(resp, err)) }()

	if req.ChallengeToken == "" || strings.TrimSpace(req.Code) == "" {
		return nil, InvalidRequest("challenge_token and code are required")
	}

	ch, err := s.challenges.Get(ctx, req.ChallengeToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidRequest(msgChallengeGone)
		}
		return nil, Unavailable(err)
	}

	user, err := s.store.GetUserByID(ctx, ch.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidRequest(msgChallengeGone)
		}
		return nil, Internal(err)
	}

	backupIdx := -1
	if !ValidateTOTP(user.TOTPSecret, req.Code, s.now()) {
		backupIdx = MatchBackupCode(user.BackupCodes, req.Code)
		if backupIdx < 0 {
			s.events.Emit(audit.Event{
				Type:     audit.EventInvalidMFACode,
				Severity: audit.SeverityHigh,
				UserID:   user.ID.String(),
				TenantID: ch.TenantID.String(),
				SourceIP: req.Client.IP,
			})
			return nil, InvalidMFACode()
		}
	}

	if _, err := s.challenges.Consume(ctx, req.ChallengeToken); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, InvalidRequest(msgChallengeGone)
		}
		return nil, Unavailable(err)
	}
	if backupIdx >= 0 {
		// A concurrent grant may have spent the same code since it was read.
		err := s.store.ConsumeBackupCode(ctx, user.ID, user.BackupCodes[backupIdx])
		if errors.Is(err, ErrNotFound) {
			s.events.Emit(audit.Event{
				Type:     audit.EventInvalidMFACode,
				Severity: audit.SeverityHigh,
				UserID:   user.ID.String(),
				TenantID: ch.TenantID.String(),
				SourceIP: req.Client.IP,
				Detail:   map[string]any{"reason": "backup_code_reused"},
			})
			return nil, InvalidMFACode()
		}
		if err != nil {
			return nil, Internal(err)
		}
	}

	tenant, staff, err := s.membership(ctx, user.ID, ch.TenantID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user, tenant, staff, req.Client)
}

// RefreshGrant rotates the token pair of the session owning the refresh
// token. The tenant is preserved and the old access token is revoked.
func (s *Service) RefreshGrant(ctx context.Context, req RefreshGrantRequest) (resp *TokenResponse, err error) {
	defer func() { s.recorder.Grant(GrantRefreshToken, grantOutcome(resp, err)) }()

	if req.RefreshToken == "" {
		return nil, InvalidRequest("refresh_token is required")
	}
	fp := Fingerprint(req.RefreshToken)

	revoked, err := s.revocations.IsRevoked(ctx, fp)
	if err != nil {
		return nil, Unavailable(err)
	}
	if revoked {
		s.events.Emit(audit.Event{
			Type:     audit.EventRevokedTokenUse,
			Severity: audit.SeverityHigh,
			SourceIP: req.Client.IP,
			Detail:   map[string]any{"token": "refresh"},
		})
		return nil, TokenExpired()
	}

	sess, err := s.store.GetSessionByRefreshHash(ctx, fp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenExpired()
		}
		return nil, Internal(err)
	}
	now := s.now()
	if !sess.Refreshable(now) {
		return nil, TokenExpired()
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenExpired()
		}
		return nil, Internal(err)
	}
	tenant, staff, err := s.membership(ctx, sess.UserID, sess.TenantID)
	if err != nil {
		return nil, err
	}

	if err := s.revokeFingerprint(ctx, sess.TokenHash, sess.ExpiresAt.Sub(now)); err != nil {
		return nil, err
	}

	access, refresh, err := s.mintPair(user.ID, tenant.ID, sess.ID, now)
	if err != nil {
		return nil, Internal(err)
	}
	next := &Session{
		TokenHash:        Fingerprint(access),
		RefreshHash:      Fingerprint(refresh),
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.sessionTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.store.RotateSession(ctx, sess.ID, sess.RefreshHash, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenExpired()
		}
		return nil, Internal(err)
	}

	snap, err := s.buildSnapshot(ctx, user, tenant, staff, sess.ID, next.ExpiresAt)
	if err != nil {
		return nil, Internal(err)
	}
	s.cacheSnapshot(ctx, next.TokenHash, snap)
	return s.tokenResponse(access, refresh, tenant), nil
}

// SwitchTenant revokes the caller's token and issues a session for another
// tenant the same user belongs to. Membership is checked before anything is
// revoked.
func (s *Service) SwitchTenant(ctx context.Context, id Identity, token, targetTenantID string, client ClientMeta) (resp *TokenResponse, err error) {
	defer func() { s.recorder.Grant(GrantSwitchTenant, grantOutcome(resp, err)) }()

	target := strings.TrimSpace(targetTenantID)
	if target == "" {
		return nil, InvalidRequest("tenant_id is required")
	}
	tenantID, err := uuid.Parse(target)
	if err != nil {
		return nil, TenantInactive(msgTenantNotFound)
	}

	user, err := s.store.GetUserByID(ctx, id.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TokenExpired()
		}
		return nil, Internal(err)
	}
	tenant, staff, err := s.membership(ctx, user.ID, tenantID)
	if err != nil {
		return nil, err
	}

	if err := s.revokeCurrent(ctx, id, token); err != nil {
		return nil, err
	}
	if err := s.store.DeleteSession(ctx, id.SessionID()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id.SessionID().String()).Msg("failed to delete switched-out session")
	}

	resp, err = s.issue(ctx, user, tenant, staff, client)
	if err != nil {
		return nil, err
	}
	s.events.Emit(audit.Event{
		Type:     audit.EventTenantSwitch,
		Severity: audit.SeverityLow,
		UserID:   user.ID.String(),
		TenantID: tenant.ID.String(),
		SourceIP: client.IP,
		Detail:   map[string]any{"from_tenant": id.TenantID().String(), "to_tenant": tenant.ID.String()},
	})
	return resp, nil
}

// Revoke invalidates an access or refresh token. Callers may revoke their
// own tokens; revoking another user's token needs STAFF:MANAGE in the
// token's tenant. Unknown tokens are marked revoked anyway.
func (s *Service) Revoke(ctx context.Context, caller Identity, token string, client ClientMeta) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return InvalidRequest("token is required")
	}
	fp := Fingerprint(token)

	sess, err := s.store.GetSessionByTokenHash(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		sess, err = s.store.GetSessionByRefreshHash(ctx, fp)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Internal(err)
	}
	if sess == nil {
		return s.revokeFingerprint(ctx, fp, s.sessionTTL)
	}

	if sess.UserID != caller.UserID() {
		required := NewPermission(ResourceStaff, ActionManage)
		if sess.TenantID != caller.TenantID() || !caller.HasPermission(required) {
			s.events.Emit(audit.Event{
				Type:     audit.EventPermissionDenied,
				Severity: audit.SeverityMedium,
				UserID:   caller.UserID().String(),
				TenantID: caller.TenantID().String(),
				SourceIP: client.IP,
				Detail:   map[string]any{"permission": required.String(), "action": "revoke_token"},
			})
			return PermissionDenied("Missing required permission: " + required.String())
		}
	}
	return s.revokeSession(ctx, sess)
}

// Logout revokes the caller's own session.
func (s *Service) Logout(ctx context.Context, id Identity, token string) error {
	if err := s.revokeCurrent(ctx, id, token); err != nil {
		return err
	}
	if err := s.store.RevokeSession(ctx, id.SessionID(), s.now()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id.SessionID().String()).Msg("failed to mark session revoked")
	}
	return nil
}

// RevokeAllForUser revokes every live session of a user. A nil tenantID
// covers all tenants.
func (s *Service) RevokeAllForUser(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (int, error) {
	sessions, err := s.store.ListLiveSessions(ctx, userID, tenantID, s.now())
	if err != nil {
		return 0, Internal(err)
	}
	revoked := 0
	for i := range sessions {
		if err := s.revokeSession(ctx, &sessions[i]); err != nil {
			return revoked, err
		}
		revoked++
	}
	if revoked > 0 {
		e := audit.Event{
			Type:     audit.EventSessionsRevoked,
			Severity: audit.SeverityMedium,
			UserID:   userID.String(),
			Detail:   map[string]any{"count": revoked},
		}
		if tenantID != nil {
			e.TenantID = tenantID.String()
		}
		s.events.Emit(e)
	}
	return revoked, nil
}

// revokeCurrent marks the session behind the caller's own token. When the
// session row is gone only the access token can be marked.
func (s *Service) revokeCurrent(ctx context.Context, id Identity, token string) error {
	fp := Fingerprint(token)
	sess, err := s.store.GetSessionByTokenHash(ctx, fp)
	if errors.Is(err, ErrNotFound) {
		return s.revokeFingerprint(ctx, fp, id.ExpiresAt().Sub(s.now()))
	}
	if err != nil {
		return Internal(err)
	}
	return s.revokeSessionTokens(ctx, sess)
}

// revokeSessionTokens marks both fingerprints of sess so neither token works
// even if the session row cannot be updated afterwards.
func (s *Service) revokeSessionTokens(ctx context.Context, sess *Session) error {
	now := s.now()
	if err := s.revokeFingerprint(ctx, sess.TokenHash, sess.ExpiresAt.Sub(now)); err != nil {
		return err
	}
	if sess.RefreshHash == "" {
		return nil
	}
	return s.revokeFingerprint(ctx, sess.RefreshHash, sess.RefreshExpiresAt.Sub(now))
}

func (s *Service) revokeSession(ctx context.Context, sess *Session) error {
	if err := s.revokeSessionTokens(ctx, sess); err != nil {
		return err
	}
	if sess.RevokedAt != nil {
		return nil
	}
	if err := s.store.RevokeSession(ctx, sess.ID, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("failed to mark session revoked")
	}
	return nil
}

// revokeFingerprint writes the revocation mark and evicts the cached
// snapshot. Only the mark is required to succeed.
func (s *Service) revokeFingerprint(ctx context.Context, fp string, remaining time.Duration) error {
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := s.revocations.Revoke(ctx, fp, remaining); err != nil {
		return Unavailable(err)
	}
	if err := s.cache.Delete(ctx, fp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to evict revoked session from cache")
	}
	return nil
}

// Resolve turns a bearer token into an Identity. The revocation registry is
// consulted before the cache, and any registry failure denies the request.
func (s *Service) Resolve(ctx context.Context, token string) (id Identity, err error) {
	defer func() { s.recorder.Resolve(outcomeOf(err)) }()

	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Identity{}, TokenExpired()
	}
	fp := Fingerprint(token)

	revoked, err := s.revocations.IsRevoked(ctx, fp)
	if err != nil {
		return Identity{}, Unavailable(err)
	}
	if revoked {
		s.events.Emit(audit.Event{
			Type:     audit.EventRevokedTokenUse,
			Severity: audit.SeverityHigh,
			UserID:   claims.Subject,
			TenantID: claims.TenantID,
		})
		return Identity{}, TokenRevoked()
	}

	snap, err := s.cache.Get(ctx, fp)
	switch {
	case err == nil:
		if s.now().Before(snap.ExpiresAt) && snap.SessionID.String() == claims.SessionID {
			return NewIdentity(*snap), nil
		}
	case !errors.Is(err, ErrCacheMiss):
		s.logger.Warn().Err(err).Msg("session cache read failed, falling back to store")
	}

	v, err, _ := s.loads.Do(fp, func() (interface{}, error) {
		return s.loadSnapshot(ctx, fp)
	})
	if err != nil {
		return Identity{}, err
	}
	loaded := v.(Snapshot)
	if loaded.SessionID.String() != claims.SessionID {
		return Identity{}, TokenExpired()
	}
	return NewIdentity(loaded), nil
}

func (s *Service) loadSnapshot(ctx context.Context, fp string) (Snapshot, error) {
	sess, err := s.store.GetSessionByTokenHash(ctx, fp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, TokenExpired()
		}
		return Snapshot{}, Unavailable(err)
	}
	if !sess.Live(s.now()) {
		return Snapshot{}, TokenExpired()
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return Snapshot{}, expiredOrUnavailable(err)
	}
	tenant, err := s.activeTenant(ctx, sess.TenantID)
	if err != nil {
		return Snapshot{}, err
	}
	staff, err := s.store.GetStaff(ctx, sess.UserID, sess.TenantID)
	if err != nil {
		return Snapshot{}, expiredOrUnavailable(err)
	}
	if staff.Status != StaffActive {
		return Snapshot{}, AccountLocked()
	}

	snap, err := s.buildSnapshot(ctx, user, tenant, staff, sess.ID, sess.ExpiresAt)
	if err != nil {
		return Snapshot{}, Unavailable(err)
	}
	s.cacheSnapshot(ctx, fp, snap)
	return snap, nil
}

// activeTenant loads a tenant that still permits authenticated access.
func (s *Service) activeTenant(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, TenantInactive(msgTenantNotFound)
		}
		return nil, Unavailable(err)
	}
	if !tenant.Status.IsActive() {
		return nil, TenantInactive(msgTenantNotActive)
	}
	return tenant, nil
}

func expiredOrUnavailable(err error) error {
	if errors.Is(err, ErrNotFound) {
		return TokenExpired()
	}
	return Unavailable(err)
}

// Me describes the caller and the current tenant.
func (s *Service) Me(ctx context.Context, id Identity) (*MeResponse, error) {
	data := MeData{
		ID:          id.UserID(),
		Email:       id.Email(),
		Name:        id.Name(),
		TenantID:    id.TenantID(),
		StaffID:     id.StaffID(),
		Roles:       id.Roles(),
		Permissions: id.Permissions(),
		Attributes:  id.Attributes(),
	}
	tenant, err := s.activeTenant(ctx, id.TenantID())
	if err != nil {
		return nil, err
	}
	data.Hospital = &HospitalSummary{ID: tenant.ID, Name: tenant.Name, Status: tenant.Status}
	return &MeResponse{Data: data}, nil
}

// ListSessions returns the caller's live sessions across all tenants.
func (s *Service) ListSessions(ctx context.Context, id Identity) ([]SessionInfo, error) {
	if _, err := s.activeTenant(ctx, id.TenantID()); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListLiveSessions(ctx, id.UserID(), nil, s.now())
	if err != nil {
		return nil, Internal(err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, ss := range sessions {
		out = append(out, SessionInfo{
			ID:        ss.ID,
			TenantID:  ss.TenantID,
			IssuedAt:  ss.IssuedAt,
			ExpiresAt: ss.ExpiresAt,
			IPAddress: ss.IPAddress,
			UserAgent: ss.UserAgent,
			Current:   ss.ID == id.SessionID(),
		})
	}
	return out, nil
}

// EnrollMFA generates a TOTP secret and backup codes for the caller. MFA is
// not enforced until ConfirmMFA succeeds.
func (s *Service) EnrollMFA(ctx context.Context, id Identity) (*MFAEnrollment, error) {
	if _, err := s.activeTenant(ctx, id.TenantID()); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, id.UserID())
	if err != nil {
		return nil, expiredOrInternal(err)
	}
	if user.MFAEnabled {
		return nil, InvalidRequest("MFA is already enabled")
	}
	key, err := GenerateTOTPKey(s.mfaIssuer, user.Email)
	if err != nil {
		return nil, Internal(err)
	}
	plain, hashed, err := GenerateBackupCodes(backupCodeCount, s.backupCost)
	if err != nil {
		return nil, Internal(err)
	}
	if err := s.store.UpdateMFA(ctx, user.ID, false, key.Secret(), hashed); err != nil {
		return nil, Internal(err)
	}
	return &MFAEnrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: plain}, nil
}

// ConfirmMFA enables MFA once the caller proves possession of the secret.
func (s *Service) ConfirmMFA(ctx context.Context, id Identity, code string) error {
	if _, err := s.activeTenant(ctx, id.TenantID()); err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, id.UserID())
	if err != nil {
		return expiredOrInternal(err)
	}
	if user.MFAEnabled {
		return InvalidRequest("MFA is already enabled")
	}
	if user.TOTPSecret == "" {
		return InvalidRequest("MFA enrolment has not been started")
	}
	if !ValidateTOTP(user.TOTPSecret, code, s.now()) {
		s.events.Emit(audit.Event{
			Type:     audit.EventInvalidMFACode,
			Severity: audit.SeverityMedium,
			UserID:   user.ID.String(),
			TenantID: id.TenantID().String(),
			Detail:   map[string]any{"stage": "enrolment"},
		})
		return InvalidMFACode()
	}
	if err := s.store.UpdateMFA(ctx, user.ID, true, user.TOTPSecret, user.BackupCodes); err != nil {
		return Internal(err)
	}
	return nil
}

func expiredOrInternal(err error) error {
	if errors.Is(err, ErrNotFound) {
		return TokenExpired()
	}
	return Internal(err)
}

// PurgeExpiredSessions deletes session rows that can no longer be used.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return n, nil
}

// membership checks that tenantID is active and that userID holds an active
// staff record there.
func (s *Service) membership(ctx context.Context, userID, tenantID uuid.UUID) (*Tenant, *Staff, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, TenantInactive(msgTenantNotFound)
		}
		return nil, nil, Internal(err)
	}
	if !tenant.Status.IsActive() {
		return nil, nil, TenantInactive(msgTenantNotActive)
	}

	staff, err := s.store.GetStaff(ctx, userID, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, TenantInactive(msgNotAssociated)
		}
		return nil, nil, Internal(err)
	}
	if staff.Status != StaffActive {
		return nil, nil, AccountLocked()
	}
	return tenant, staff, nil
}

func (s *Service) mintPair(userID, tenantID, sessionID uuid.UUID, now time.Time) (access, refresh string, err error) {
	access, err = s.tokens.Issue(userID, tenantID, sessionID, now, now.Add(s.sessionTTL))
	if err != nil {
		return "", "", err
	}
	refresh, err = NewOpaqueToken()
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Service) issue(ctx context.Context, user *User, tenant *Tenant, staff *Staff, client ClientMeta) (*TokenResponse, error) {
	now := s.now()
	sessionID := uuid.New()

	snap, err := s.buildSnapshot(ctx, user, tenant, staff, sessionID, now.Add(s.sessionTTL))
	if err != nil {
		return nil, Internal(err)
	}
	access, refresh, err := s.mintPair(user.ID, tenant.ID, sessionID, now)
	if err != nil {
		return nil, Internal(err)
	}

	sess := &Session{
		ID:               sessionID,
		TokenHash:        Fingerprint(access),
		RefreshHash:      Fingerprint(refresh),
		UserID:           user.ID,
		TenantID:         tenant.ID,
		StaffID:          staff.ID,
		IssuedAt:         now,
		ExpiresAt:        snap.ExpiresAt,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		IPAddress:        client.IP,
		UserAgent:        client.UserAgent,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, Internal(err)
	}
	s.cacheSnapshot(ctx, sess.TokenHash, snap)
	return s.tokenResponse(access, refresh, tenant), nil
}

// buildSnapshot resolves the staff member's active roles in tenant and
// unions their permissions.
func (s *Service) buildSnapshot(ctx context.Context, user *User, tenant *Tenant, staff *Staff, sessionID uuid.UUID, expiresAt time.Time) (Snapshot, error) {
	roles, err := s.store.GetRolesByIDs(ctx, tenant.ID, staff.RoleIDs)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load roles: %w", err)
	}

	refs := make([]RoleRef, 0, len(roles))
	var perms []Permission
	for _, r := range roles {
		if !r.Active || r.TenantID != tenant.ID {
			continue
		}
		refs = append(refs, RoleRef{ID: r.ID, Name: r.Name, IsSystem: r.IsSystem})
		perms = append(perms, r.Permissions...)
	}

	return Snapshot{
		SessionID:   sessionID,
		UserID:      user.ID,
		Email:       user.Email,
		Name:        user.Name,
		TenantID:    tenant.ID,
		TenantName:  tenant.Name,
		StaffID:     staff.ID,
		Roles:       refs,
		Permissions: Dedup(perms),
		Attributes:  staff.Attributes(),
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, fp string, snap Snapshot) {
	ttl := snap.ExpiresAt.Sub(s.now())
	if err := s.cache.Set(ctx, fp, snap, ttl); err != nil {
		s.logger.Warn().Err(err).Str("session_id", snap.SessionID.String()).Msg("failed to cache session")
	}
}

func (s *Service) tokenResponse(access, refresh string, tenant *Tenant) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.sessionTTL.Seconds()),
		Tenant:       &TenantSummary{ID: tenant.ID, Name: tenant.Name},
	}
}

func grantOutcome(resp *TokenResponse, err error) string {
	if err == nil && resp != nil && resp.MFARequired {
		return "mfa_required"
	}
	return outcomeOf(err)
}
