package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/intentgov/core/pkg/authz"
	"github.com/intentgov/core/pkg/policy"
)

type createPolicyRequest struct {
	Namespace  string            `json:"namespace"`
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	Definition policy.Definition `json:"definition"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpPolicyWrite)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 512*1024)
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.Namespace == "" || req.Name == "" {
		writeBadRequest(w, "namespace and name are required")
		return
	}

	pol, err := s.Policies.Create(r.Context(), p.GetTenantID(), req.Namespace, req.Name, req.Priority, req.Definition)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpPolicyRead)
	if !ok {
		return
	}
	list, err := s.Policies.List(r.Context(), p.GetTenantID(), r.URL.Query().Get("namespace"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": list})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := authorize(w, r, authz.OpPolicyRead)
	if !ok {
		return
	}
	version := parseIntParam(r, "version", 0)
	var pol *policy.Policy
	var err error
	if version > 0 {
		pol, err = s.Policies.Get(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), version)
	} else {
		pol, err = s.Policies.Latest(r.Context(), p.GetTenantID(), r.URL.Query().Get("namespace"), r.URL.Query().Get("name"))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// policyTransition matches the shared shape of Store.Publish/Deprecate/Archive.
type policyTransition func(ctx context.Context, tenantID, id string, version int) (*policy.Policy, error)

func (s *Server) handlePublishPolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.Policies.Publish)
}

func (s *Server) handleDeprecatePolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.Policies.Deprecate)
}

func (s *Server) handleArchivePolicy(w http.ResponseWriter, r *http.Request) {
	s.transitionPolicy(w, r, s.Policies.Archive)
}

// transitionPolicy runs the requested status transition and, since a
// stale cache entry would keep serving a just-deprecated policy for up
// to the cache TTL, invalidates that tenant's evaluator cache on success
// (spec.md §4.2: "a newly published policy must apply to the next
// evaluation, not the next cache expiry").
func (s *Server) transitionPolicy(w http.ResponseWriter, r *http.Request, transition policyTransition) {
	p, ok := authorize(w, r, authz.OpPolicyPublish)
	if !ok {
		return
	}
	version := parseIntParam(r, "version", 0)
	if version <= 0 {
		writeBadRequest(w, "version query parameter is required")
		return
	}
	pol, err := transition(r.Context(), p.GetTenantID(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.PolicyCache != nil {
		s.PolicyCache.Invalidate(p.GetTenantID())
	}
	writeJSON(w, http.StatusOK, pol)
}
