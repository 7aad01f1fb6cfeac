package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
)

// newTestServer wires the auth routes and one protected route the same
// way the server does.
func newTestServer(f *fixture) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	e.Use(Authenticate(f.svc, AuthSkipper))

	NewHandler(f.svc).RegisterRoutes(e.Group("/auth"))

	authz := NewAuthorizer(f.store, WithAuthorizerEvents(f.events))
	e.GET("/patients", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}, authz.Authorize(NewPermission(ResourcePatient, ActionRead)))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

func doJSON(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func passwordBody(email, password, tenantID string) string {
	raw, _ := json.Marshal(map[string]string{
		"grant_type": "password",
		"username":   email,
		"password":   password,
		"tenant_id":  tenantID,
	})
	return string(raw)
}

func TestHandler_PasswordGrant(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)

	rec := doJSON(e, http.MethodPost, "/auth/token", "", passwordBody(f.user.Email, f.password, f.tenantA.ID.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("Pragma") != "no-cache" {
		t.Error("expected token response to disable caching")
	}

	body := decodeBody(t, rec)
	if body["token_type"] != "Bearer" {
		t.Errorf("expected Bearer token type, got %v", body["token_type"])
	}
	if body["expires_in"] != float64(3600) {
		t.Errorf("expected expires_in 3600, got %v", body["expires_in"])
	}
	tenant, _ := body["tenant"].(map[string]interface{})
	if tenant["id"] != f.tenantA.ID.String() || tenant["name"] != "General Hospital" {
		t.Errorf("unexpected tenant summary: %v", tenant)
	}
	if _, ok := body["mfa_required"]; ok {
		t.Error("mfa_required must be omitted for non-MFA logins")
	}

	access, _ := body["access_token"].(string)
	rec = doJSON(e, http.MethodGet, "/patients", access, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected protected route to accept token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_PasswordGrant_FormEncoded(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)

	form := url.Values{
		"grant_type": {"password"},
		"username":   {f.user.Email},
		"password":   {f.password},
		"tenant_id":  {f.tenantA.ID.String()},
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CredentialFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)

	unknown := doJSON(e, http.MethodPost, "/auth/token", "", passwordBody("nobody@example.com", "whatever", f.tenantA.ID.String()))
	wrong := doJSON(e, http.MethodPost, "/auth/token", "", passwordBody(f.user.Email, "wrong password", f.tenantA.ID.String()))

	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both, got %d and %d", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", unknown.Body.String(), wrong.Body.String())
	}
	body := decodeBody(t, wrong)
	if body["code"] != "INVALID_CREDENTIALS" || body["message"] != "Invalid email or password" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHandler_GrantTypes(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)

	tests := []struct {
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{`{"grant_type":"authorization_code","code":"x"}`, http.StatusBadRequest, "INVALID_REQUEST", "Grant type not supported"},
		{`{"grant_type":"client_credentials"}`, http.StatusBadRequest, "INVALID_REQUEST", "Grant type not supported"},
		{`{"grant_type":"implicit"}`, http.StatusBadRequest, "INVALID_GRANT", "Unknown grant type"},
		{`{}`, http.StatusBadRequest, "INVALID_GRANT", "Unknown grant type"},
		{`{"grant_type":"refresh_token","refresh_token":"nope"}`, http.StatusUnauthorized, "TOKEN_EXPIRED", "Session expired or invalid"},
		{`{"grant_type":`, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			rec := doJSON(e, http.MethodPost, "/auth/token", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["code"] != tt.wantCode || body["message"] != tt.wantMsg {
				t.Errorf("unexpected body: %v", body)
			}
		})
	}
}

func TestHandler_MissingAndInvalidTokens(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)

	rec := doJSON(e, http.MethodGet, "/auth/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"code":"UNAUTHORIZED","message":"No authorization token provided"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if decodeBody(t, rec)["code"] != "UNAUTHORIZED" {
		t.Errorf("expected non-bearer scheme to be rejected, got %s", rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/auth/me", "garbage", "")
	if rec.Code != http.StatusUnauthorized || decodeBody(t, rec)["code"] != "TOKEN_EXPIRED" {
		t.Errorf("expected TOKEN_EXPIRED, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected public route to skip authentication, got %d", rec.Code)
	}
}

func TestHandler_Me(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)
	resp := f.login(t, f.tenantA.ID)

	rec := doJSON(e, http.MethodGet, "/auth/me", resp.AccessToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data, _ := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["email"] != f.user.Email || data["tenantId"] != f.tenantA.ID.String() {
		t.Errorf("unexpected me data: %v", data)
	}
	roles, _ := data["roles"].([]interface{})
	if len(roles) != 1 {
		t.Fatalf("expected one role, got %v", data["roles"])
	}
	role := roles[0].(map[string]interface{})
	if role["name"] != RoleDoctor || role["isSystem"] != true {
		t.Errorf("unexpected role: %v", role)
	}
	perms, _ := data["permissions"].([]interface{})
	if len(perms) != 2 || perms[0] != "PATIENT:READ" || perms[1] != "PRESCRIPTION:CREATE" {
		t.Errorf("unexpected permissions: %v", perms)
	}
	hospital, _ := data["hospital"].(map[string]interface{})
	if hospital["name"] != "General Hospital" || hospital["status"] != string(TenantStatusActive) {
		t.Errorf("unexpected hospital: %v", hospital)
	}
}

func TestHandler_RevokedTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)
	resp := f.login(t, f.tenantA.ID)

	rec := doJSON(e, http.MethodPost, "/auth/revoke", resp.AccessToken, `{"token":"`+resp.AccessToken+`"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/patients", resp.AccessToken, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "INVALID_TOKEN" || body["message"] != "Token has been revoked" {
		t.Errorf("unexpected body: %v", body)
	}
	if f.events.count("REVOKED_TOKEN_USE") != 1 {
		t.Errorf("expected one REVOKED_TOKEN_USE event, got %d", f.events.count("REVOKED_TOKEN_USE"))
	}
}

func TestHandler_SuspendedTenantBlocksProtectedRoutes(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)
	resp := f.login(t, f.tenantA.ID)

	f.store.setTenantStatus(f.tenantA.ID, TenantStatusSuspended)

	rec := doJSON(e, http.MethodGet, "/patients", resp.AccessToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != "TENANT_INACTIVE" || body["message"] != "Organization is not active" {
		t.Errorf("unexpected body: %v", body)
	}

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/auth/me"},
		{http.MethodGet, "/auth/sessions"},
		{http.MethodPost, "/auth/mfa/enroll"},
	} {
		rec := doJSON(e, route.method, route.path, resp.AccessToken, "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d: %s", route.method, route.path, rec.Code, rec.Body.String())
			continue
		}
		if body := decodeBody(t, rec); body["code"] != "TENANT_INACTIVE" {
			t.Errorf("%s %s: unexpected body: %v", route.method, route.path, body)
		}
	}
}

func TestHandler_SwitchTenant(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)
	resp := f.login(t, f.tenantA.ID)

	rec := doJSON(e, http.MethodPost, "/auth/switch-tenant", resp.AccessToken, `{"tenant_id":"`+f.tenantB.ID.String()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	next, _ := decodeBody(t, rec)["access_token"].(string)

	rec = doJSON(e, http.MethodGet, "/auth/me", next, "")
	data, _ := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["tenantId"] != f.tenantB.ID.String() {
		t.Errorf("expected tenant B, got %v", data["tenantId"])
	}

	rec = doJSON(e, http.MethodGet, "/auth/me", resp.AccessToken, "")
	if decodeBody(t, rec)["code"] != "INVALID_TOKEN" {
		t.Errorf("expected old token revoked, got %s", rec.Body.String())
	}
}

func TestHandler_MFAFlow(t *testing.T) {
	f := newFixture(t)
	enableMFA(t, f)
	e := newTestServer(f)

	rec := doJSON(e, http.MethodPost, "/auth/token", "", passwordBody(f.user.Email, f.password, f.tenantA.ID.String()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["mfa_required"] != true {
		t.Fatalf("expected mfa_required, got %v", body)
	}
	if _, ok := body["access_token"]; ok {
		t.Fatal("access_token must be absent while MFA is pending")
	}
	challenge, _ := body["challenge_token"].(string)

	code, err := totp.GenerateCode(testTOTPSecret, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(map[string]string{"grant_type": "mfa", "challenge_token": challenge, "code": code})
	rec = doJSON(e, http.MethodPost, "/auth/token", "", string(raw))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if access, _ := decodeBody(t, rec)["access_token"].(string); access == "" {
		t.Error("expected access token after MFA")
	}
}

func TestHandler_SessionsAndLogout(t *testing.T) {
	f := newFixture(t)
	e := newTestServer(f)
	resp := f.login(t, f.tenantA.ID)

	rec := doJSON(e, http.MethodGet, "/auth/sessions", resp.AccessToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sessions, _ := decodeBody(t, rec)["data"].([]interface{})
	if len(sessions) != 1 || sessions[0].(map[string]interface{})["current"] != true {
		t.Fatalf("unexpected sessions: %v", sessions)
	}

	rec = doJSON(e, http.MethodPost, "/auth/logout", resp.AccessToken, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	f.clock.Advance(time.Second)
	rec = doJSON(e, http.MethodGet, "/auth/me", resp.AccessToken, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected token rejected after logout, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"  Bearer   abc  ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestErrorHandler_EchoErrors(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())

	rec := doJSON(e, http.MethodGet, "/no-such-route", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "NOT_FOUND" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	e.GET("/boom", func(c echo.Context) error { return Internal(errSecret) })
	rec = doJSON(e, http.MethodGet, "/boom", "", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), errSecret.Error()) {
		t.Error("internal cause leaked to the client")
	}
}

var errSecret = errors.New("pg: password authentication failed for user hms")
