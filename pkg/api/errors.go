// Package api implements the HTTP surface that fronts the core
// governance pipeline (spec.md §6), built on go-chi/chi the way the
// teacher's cmd/helm-node wires its own chi.Mux, with go-chi/cors for
// CORS instead of the teacher's hand-rolled middleware.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/intentgov/core/pkg/escalation"
	"github.com/intentgov/core/pkg/intent"
	"github.com/intentgov/core/pkg/lifecycle"
	"github.com/intentgov/core/pkg/policy"
	"github.com/intentgov/core/pkg/queue"
)

// envelope is the {error:{code,message,details?}} shape every rejection
// across the API surface uses (spec.md §6).
type envelope struct {
	Error struct {
		Code    string      `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	env := envelope{}
	env.Error.Code = code
	env.Error.Message = message
	writeJSON(w, status, env)
}

func writeErrDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	env := envelope{}
	env.Error.Code = code
	env.Error.Message = message
	env.Error.Details = details
	writeJSON(w, status, env)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

func writeForbidden(w http.ResponseWriter) {
	writeErr(w, http.StatusForbidden, "FORBIDDEN", "principal lacks the required role for this operation")
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	writeErr(w, http.StatusNotFound, code, message)
}

func writeInternal(w http.ResponseWriter, err error) {
	writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

// writeDomainError maps the sentinel errors every core package exposes
// onto the canonical codes spec.md §6 standardizes (spec.md §7:
// "the API layer maps internal error kinds to the canonical codes").
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intent.ErrNotFound):
		writeNotFound(w, "INTENT_NOT_FOUND", "intent not found")
	case errors.Is(err, intent.ErrDuplicate), errors.Is(err, lifecycle.ErrConflict):
		writeErr(w, http.StatusConflict, "INTENT_LOCKED", "a submission for this entity/goal is already in flight")
	case errors.Is(err, intent.ErrStaleStatus):
		writeErr(w, http.StatusConflict, "INVALID_STATE", "intent status changed concurrently, retry with a fresh read")
	case errors.Is(err, lifecycle.ErrNotCancellable):
		writeErr(w, http.StatusConflict, "INVALID_STATE", "intent is already in a terminal state")
	case errors.Is(err, lifecycle.ErrNotDeletable):
		writeErr(w, http.StatusConflict, "INVALID_STATE", "intent must be in a terminal state to delete")
	case errors.Is(err, lifecycle.ErrGoalTooLong), errors.Is(err, lifecycle.ErrContextTooLarge), errors.Is(err, lifecycle.ErrInvalidPriority):
		writeBadRequest(w, err.Error())
	case errors.Is(err, escalation.ErrNotFound):
		writeNotFound(w, "ESCALATION_NOT_FOUND", "escalation not found")
	case errors.Is(err, escalation.ErrAlreadyResolved):
		writeErr(w, http.StatusConflict, "ESCALATION_ALREADY_RESOLVED", "escalation is already resolved")
	case errors.Is(err, policy.ErrNotFound):
		writeNotFound(w, "POLICY_NOT_FOUND", "policy not found")
	case errors.Is(err, policy.ErrInvalidTransition), errors.Is(err, policy.ErrAlreadyPublished):
		writeErr(w, http.StatusConflict, "POLICY_NOT_DRAFT", err.Error())
	case errors.Is(err, queue.ErrNotFound):
		writeNotFound(w, "INTENT_NOT_FOUND", "job not found")
	default:
		writeInternal(w, err)
	}
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
