package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/audit"
	"github.com/intentgov/core/pkg/authz"
)

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		TenantID:      p.GetTenantID(),
		EventCategory: audit.EventCategory(q.Get("category")),
		Severity:      audit.Severity(q.Get("severity")),
		TargetType:    q.Get("targetType"),
		TargetID:      q.Get("targetId"),
		TraceID:       q.Get("traceId"),
		Limit:         parseIntParam(r, "limit", 100),
	}
	records, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleGetAuditRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	rec, err := s.Audit.FindByID(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "INTENT_NOT_FOUND", "audit record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditForTarget(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	records, err := s.Audit.GetForTarget(r.Context(), p.GetTenantID(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditByTrace(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	records, err := s.Audit.GetByTrace(r.Context(), p.GetTenantID(), chi.URLParam(r, "traceId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	stats, err := s.Audit.GetStats(r.Context(), p.GetTenantID(), audit.Filter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type verifyAuditRequest struct {
	StartSequence uint64 `json:"startSequence"`
	Limit         uint64 `json:"limit"`
}

func (s *Server) handleVerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpAuditRead)
	if !ok {
		return
	}
	var req verifyAuditRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 8*1024)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body: "+err.Error())
			return
		}
	}
	result, err := s.Audit.VerifyChainIntegrity(r.Context(), p.GetTenantID(), req.StartSequence, req.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
