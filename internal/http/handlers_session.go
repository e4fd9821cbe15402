package http

import (
	"net/http"
	"strings"

	"fintrack/internal/identity"
	applog "fintrack/internal/log"
)

type signInRequest struct {
	Token string `json:"token"`
}

type sessionBody struct {
	UserID   string `json:"userId,omitempty"`
	SignedIn bool   `json:"signedIn"`
	Phase    string `json:"phase"`
}

func (s *Server) sessionBody() sessionBody {
	userID := s.sync.UserID()
	return sessionBody{UserID: userID, SignedIn: userID != "", Phase: s.sync.Phase().String()}
}

// handleSignIn verifies the token from the body or the Authorization header
// and feeds the resulting identity signal to the edge detector.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if auth := r.Header.Get("Authorization"); auth != "" && r.ContentLength == 0 {
		req.Token = auth
	} else if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	signal, err := s.verifier.Verify(strings.TrimSpace(req.Token))
	if err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Sign-in rejected",
			applog.FieldOperation, applog.OpSignIn,
			applog.FieldError, err)
		s.writeError(w, r, err)
		return
	}
	if err := s.identity.Observe(r.Context(), signal); err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(s.sessionBody()).Write(w)
}

// handleSignOut ends the session. Signing out twice is not an error.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	_ = s.identity.Observe(r.Context(), identity.SignedOut())
	NewJSONResponse().Body(s.sessionBody()).Write(w)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(s.sessionBody()).Write(w)
}
