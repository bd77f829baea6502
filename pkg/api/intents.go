package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/auth"
	"github.com/intentgov/core/pkg/authz"
	"github.com/intentgov/core/pkg/intent"
)

func actorFrom(r *http.Request) audit.Actor {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return audit.Actor{Type: "anonymous", IP: r.RemoteAddr}
	}
	return audit.Actor{Type: "user", ID: p.GetID(), IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}

func authorize(w http.ResponseWriter, r *http.Request, op authz.Operation) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "no principal on request")
		return nil, false
	}
	if !authz.Authorize(op, p.GetRoles()) {
		writeForbidden(w)
		return nil, false
	}
	return p, true
}

type submitIntentRequest struct {
	EntityID       string                 `json:"entityId"`
	Goal           string                 `json:"goal"`
	IntentType     string                 `json:"intentType"`
	Priority       int                    `json:"priority"`
	Context        map[string]interface{} `json:"context"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey string                 `json:"idempotencyKey"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentSubmit)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 128*1024)
	var req submitIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.EntityID == "" || req.Goal == "" {
		writeBadRequest(w, "entityId and goal are required")
		return
	}
	if idem := r.Header.Get("Idempotency-Key"); idem != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = idem
	}

	in, err := s.Lifecycle.Submit(r.Context(), p.GetTenantID(), actorFrom(r), intent.SubmitRequest{
		EntityID:       req.EntityID,
		Goal:           req.Goal,
		IntentType:     req.IntentType,
		Priority:       req.Priority,
		Context:        req.Context,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := intent.ListFilter{
		TenantID:   p.GetTenantID(),
		Status:     intent.Status(q.Get("status")),
		IntentType: q.Get("intentType"),
		EntityID:   q.Get("entityId"),
		Limit:      parseIntParam(r, "limit", 50),
	}
	intents, err := s.Lifecycle.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentRead)
	if !ok {
		return
	}
	in, err := s.Lifecycle.Get(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleIntentEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentRead)
	if !ok {
		return
	}
	in, events, err := s.Lifecycle.GetWithEvents(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intent": in, "events": events})
}

func (s *Server) handleVerifyIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentRead)
	if !ok {
		return
	}
	result, err := s.Lifecycle.VerifyEventChain(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cancelIntentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentCancel)
	if !ok {
		return
	}
	var req cancelIntentRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 8*1024)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body: "+err.Error())
			return
		}
	}
	in, err := s.Lifecycle.Cancel(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), req.Reason, actorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleDeleteIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentDelete)
	if !ok {
		return
	}
	if err := s.Lifecycle.Delete(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), actorFrom(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpIntentReplay)
	if !ok {
		return
	}
	in, err := s.Lifecycle.Replay(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}
