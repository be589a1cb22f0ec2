package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soltura/migrate/internal/ledger"
)

type tokenView struct {
	Value       string            `json:"token,omitempty"`
	Name        string            `json:"name"`
	Permissions ledger.Permission `json:"permissions"`
	SingleUse   bool              `json:"single_use"`
	UseCount    int64             `json:"use_count"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Revoked     bool              `json:"revoked"`
}

// handleListTokens lists tokens without their secret values.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.ledger.ListTokens(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			Name:        t.Name,
			Permissions: t.Permissions,
			SingleUse:   t.SingleUse,
			UseCount:    t.UseCount,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
			LastUsedAt:  t.LastUsedAt,
			Revoked:     t.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

// handleCreateToken mints a token. The secret value appears only in this
// response.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Permissions string `json:"permissions"`
		SingleUse   bool   `json:"single_use"`
		TTLHours    int    `json:"ttl_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	tok := ledger.NewToken(req.Name, req.Description, time.Duration(req.TTLHours)*time.Hour)
	if req.Permissions != "" {
		switch p := ledger.Permission(req.Permissions); p {
		case ledger.PermRead, ledger.PermWrite, ledger.PermReadWrite, ledger.PermAdmin:
			tok.Permissions = p
		default:
			writeError(w, http.StatusBadRequest, "unknown permission scope: "+req.Permissions)
			return
		}
	}
	tok.SingleUse = req.SingleUse
	if err := s.ledger.CreateToken(r.Context(), tok); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tokenView{
		Value:       tok.Value,
		Name:        tok.Name,
		Permissions: tok.Permissions,
		SingleUse:   tok.SingleUse,
		CreatedAt:   tok.CreatedAt,
		ExpiresAt:   tok.ExpiresAt,
	})
}

// handleRevokeToken permanently revokes a token.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.ledger.GetToken(r.Context(), chi.URLParam(r, "value"))
	if err != nil {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	tok.Revoked = true
	if err := s.ledger.UpdateToken(r.Context(), tok); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
