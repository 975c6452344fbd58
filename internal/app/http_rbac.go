package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Admin user management. The router guards these with rbac.ActionAdmin.

func (s *HTTPServer) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var body CreateUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.AdminCreateUser(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *HTTPServer) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var body UpdateUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.AdminUpdateUser(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.service.AdminDeleteUser(r.Context(), sessionFrom(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
