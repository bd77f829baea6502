package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/auth"
	"github.com/intentgov/core/pkg/revocation"
	"github.com/intentgov/core/pkg/store"
)

var testSecret = []byte("test-hmac-secret")

// createTestToken generates a signed HS256 JWT for testing.
func createTestToken(t *testing.T, sub, tenantID, jti string, roles []string, expiry time.Time) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "intentd-test",
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func testRevocationStore(t *testing.T) (*revocation.Store, *store.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	auditStore := audit.NewStore(db, audit.StaticKeyProvider{MasterKey: []byte("test-key")})
	return revocation.New(db, nil, auditStore), db
}

func TestMiddleware_ValidJWT(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	var capturedPrincipal auth.Principal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		capturedPrincipal = p
		w.WriteHeader(http.StatusOK)
	}))

	token := createTestToken(t, "user-123", "tenant-abc", "jti-1", []string{"admin"}, time.Now().Add(1*time.Hour))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if capturedPrincipal == nil {
		t.Fatal("principal was not set in context")
	}
	if capturedPrincipal.GetID() != "user-123" {
		t.Errorf("expected subject 'user-123', got %q", capturedPrincipal.GetID())
	}
	if capturedPrincipal.GetTenantID() != "tenant-abc" {
		t.Errorf("expected tenant 'tenant-abc', got %q", capturedPrincipal.GetTenantID())
	}
	if capturedPrincipal.GetJTI() != "jti-1" {
		t.Errorf("expected jti 'jti-1', got %q", capturedPrincipal.GetJTI())
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for expired token")
	}))

	token := createTestToken(t, "user-123", "tenant-abc", "jti-1", []string{"admin"}, time.Now().Add(-1*time.Hour))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without auth header")
	}))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	middleware := auth.NewMiddleware(auth.NewHMACValidator([]byte("different-secret")), nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for invalid signature")
	}))

	token := createTestToken(t, "user-123", "tenant-abc", "jti-1", []string{"admin"}, time.Now().Add(1*time.Hour))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called for public paths without auth")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_NilValidator_FailClosed(t *testing.T) {
	middleware := auth.NewMiddleware(nil, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called when validator is nil")
	}))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingTenantClaim(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for missing tenant claim")
	}))

	token := createTestToken(t, "user-123", "", "jti-1", []string{"admin"}, time.Now().Add(1*time.Hour))
	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingSubjectClaim(t *testing.T) {
	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, nil)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for missing subject claim")
	}))

	token := createTestToken(t, "", "tenant-abc", "jti-1", []string{"admin"}, time.Now().Add(1*time.Hour))
	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_RevokedTokenRejected(t *testing.T) {
	ctx := context.Background()
	revocations, db := testRevocationStore(t)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := revocations.RevokeToken(ctx, tx, "jti-revoked", time.Now().Add(time.Hour), audit.Actor{Type: "user", ID: "admin-1"}); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	validator := auth.NewHMACValidator(testSecret)
	middleware := auth.NewMiddleware(validator, revocations)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a revoked token")
	}))

	token := createTestToken(t, "user-123", "tenant-abc", "jti-revoked", []string{"admin"}, time.Now().Add(1*time.Hour))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected an error body")
	}
}

func TestGetRequestID_ExtractsFromContext(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/intents", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got == "" {
		t.Fatal("expected non-empty request id from context")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header to be set")
	}
}
