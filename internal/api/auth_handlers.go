package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/flowqueue/internal/api/middleware"
	"github.com/flowpbx/flowqueue/internal/auth"
)

// loginRequest is the JSON request body for the login endpoint.
type loginRequest struct {
	Password string `json:"password"`
}

// loginResponse carries the issued bearer token.
type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin verifies the admin password and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminHash == "" {
		writeError(w, http.StatusServiceUnavailable, "no admin password configured")
		return
	}

	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	match, err := auth.CheckPassword(req.Password, s.adminHash)
	if err != nil {
		s.logger.Error("login: checking password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !match {
		s.logger.Warn("login: wrong password", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret)
	if err != nil {
		s.logger.Error("login: signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
