package api

import (
	"errors"
	"net/http"

	"github.com/openarchive/openarchive/pkg/auth"
	"github.com/openarchive/openarchive/pkg/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUser struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	OrgID    *int64   `json:"org_id"`
	Domains  []string `json:"domains"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	User        loginUser `json:"user"`
}

// handleLogin authenticates a database user and issues a bearer token.
// Credentials never come from configuration; only stored users with a
// verified bcrypt hash can log in.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, "Missing required fields: username, password")
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		WriteUnauthorized(w, "Invalid credentials")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !u.CheckPassword(req.Password) {
		WriteUnauthorized(w, "Invalid credentials")
		return
	}

	p := &auth.Principal{ID: u.ID, Username: u.Username, Role: u.Role, Domains: u.Domains}
	if u.OrgID > 0 {
		org := u.OrgID
		p.OrgID = &org
	}

	token, err := s.authority.Issue(p)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	// Platform admins are not bound to a tenant chain, so only org-bound
	// logins land in the tamper-evident log.
	if s.recorder != nil && p.OrgID != nil {
		if _, err := s.recorder.Record(r.Context(), *p.OrgID, u.Username, "LOGIN", map[string]any{"role": u.Role}); err != nil {
			s.logger.Warn("failed to record login", "user", u.Username, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User: loginUser{
			ID:       u.ID,
			Username: u.Username,
			Role:     u.Role,
			OrgID:    p.OrgID,
			Domains:  u.Domains,
		},
	})
}
