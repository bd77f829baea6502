package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/auth"
	"github.com/intentgov/core/pkg/authz"
)

// defaultRevokeTTL bounds how long a revoked_tokens row outlives a
// logout when the principal's own token expiry isn't available (a
// BasePrincipal built outside the JWT middleware, e.g. by a test or an
// internal caller).
const defaultRevokeTTL = 24 * time.Hour

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "no principal on request")
		return
	}
	if s.Revocations == nil || s.DB == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}
	jti := p.GetJTI()
	if jti == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}

	expiresAt := time.Now().Add(defaultRevokeTTL)
	if bp, ok := p.(*auth.BasePrincipal); ok && !bp.ExpiresAt.IsZero() {
		expiresAt = bp.ExpiresAt
	}

	tx, err := s.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeInternal(w, err)
		return
	}
	defer tx.Rollback()
	if err := s.Revocations.RevokeToken(r.Context(), tx, jti, expiresAt, actorFrom(r)); err != nil {
		writeInternal(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleRevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, authz.OpAdminRevoke); !ok {
		return
	}
	if s.Revocations == nil || s.DB == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		return
	}
	userID := chi.URLParam(r, "userId")

	tx, err := s.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeInternal(w, err)
		return
	}
	defer tx.Rollback()
	if err := s.Revocations.RevokeAllForUser(r.Context(), tx, userID, time.Now().UTC(), actorFrom(r)); err != nil {
		writeInternal(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
