package api

import (
	"net/http"

	"github.com/tcmartin/flowconsole/pkg/middleware"
)

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// handleLogin checks the operator credentials and returns a JWT token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusNotFound, "Authentication is disabled")
		return
	}

	clientIP := middleware.ClientAddr(r)
	if s.limiter.IsLimited(clientIP) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	operator, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.limiter.Record(clientIP)
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}

	s.writeToken(w, operator)
}

// handleRefreshToken issues a fresh token for the authenticated operator
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	operator, ok := middleware.GetOperator(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	s.writeToken(w, operator)
}

func (s *Server) writeToken(w http.ResponseWriter, operator string) {
	token, err := s.auth.GenerateToken(operator)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Username: operator})
}
