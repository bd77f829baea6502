package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/auth"
	"github.com/intentgov/core/pkg/authz"
	"github.com/intentgov/core/pkg/escalation"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpEscalationRead)
	if !ok {
		return
	}
	f := escalation.ListFilter{
		TenantID: p.GetTenantID(),
		Status:   escalation.Status(r.URL.Query().Get("status")),
		Limit:    parseIntParam(r, "limit", 50),
	}
	list, err := s.Escalations.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": list})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpEscalationRead)
	if !ok {
		return
	}
	e, err := s.Escalations.Get(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAcknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpEscalationAck)
	if !ok {
		return
	}
	if ok, err := s.canResolve(r, p, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	} else if !ok {
		writeForbidden(w)
		return
	}
	e, err := s.Escalations.Acknowledge(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), p.GetID())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type resolveEscalationRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApproveEscalation(w http.ResponseWriter, r *http.Request) {
	s.resolveEscalation(w, r, s.Escalations.Approve)
}

func (s *Server) handleRejectEscalation(w http.ResponseWriter, r *http.Request) {
	s.resolveEscalation(w, r, s.Escalations.Reject)
}

type resolveFunc func(ctx context.Context, tenantID, id string, actor audit.Actor, req escalation.ResolveRequest) (*escalation.Escalation, error)

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request, resolve resolveFunc) {
	p, ok := authorize(w, r, authz.OpEscalationDecide)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if ok, err := s.canResolve(r, p, id); err != nil {
		writeDomainError(w, err)
		return
	} else if !ok {
		writeForbidden(w)
		return
	}

	var req resolveEscalationRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 16*1024)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body: "+err.Error())
			return
		}
	}

	e, err := resolve(r.Context(), p.GetTenantID(), id, actorFrom(r), escalation.ResolveRequest{ResolverID: p.GetID(), Notes: req.Notes})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) canResolve(r *http.Request, p auth.Principal, id string) (bool, error) {
	e, err := s.Escalations.Get(r.Context(), p.GetTenantID(), id)
	if err != nil {
		return false, err
	}
	return authz.CanResolveEscalation(r.Context(), s.AuthzEngine, p.GetID(), p.GetRoles(), e.EscalatedTo)
}
