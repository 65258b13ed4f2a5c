package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dotside-studios/ntag-url-agent/buildinfo"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
)

// RedactedPassword replaces the tag password in settings responses. A PUT
// carrying it keeps the stored password.
const RedactedPassword = "****"

// enableCORS adds CORS headers and answers preflight requests.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSecret checks ?secret= or the X-API-Secret header.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-API-Secret")
		if secret == "" {
			secret = r.URL.Query().Get("secret")
		}
		if !s.sessions.CheckSecret(secret) {
			writeError(w, http.StatusUnauthorized, "Unauthorized: Invalid API secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// handleHealthCheck serves GET /api/v1/health.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   buildinfo.FullVersion(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"clients":   s.ClientCount(),
		"session":   s.sessions.Holder() != "",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleState serves GET /api/v1/state.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.config.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "no controller")
		return
	}
	writeJSON(w, http.StatusOK, s.config.Controller.State())
}

func redactSettings(st rewrite.Settings) rewrite.Settings {
	if st.TagPassword != "" {
		st.TagPassword = RedactedPassword
	}
	return st
}

// handleGetSettings serves GET /api/v1/settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.config.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}
	writeJSON(w, http.StatusOK, redactSettings(s.config.Settings.Settings()))
}

// handlePutSettings serves PUT /api/v1/settings. Keys absent from the body
// keep their current values.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.config.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings unavailable")
		return
	}

	current := s.config.Settings.Settings()
	next := current
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if next.TagPassword == RedactedPassword {
		next.TagPassword = current.TagPassword
	}

	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.config.Settings.UpdateSettings(next); err != nil {
		s.logger.Error().Err(err).Msg("failed to save settings")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactSettings(next))
}

type rewriteTestRequest struct {
	URL           string  `json:"url"`
	SourcePattern *string `json:"source_pattern,omitempty"`
	TargetBaseURL *string `json:"target_base_url,omitempty"`
}

// handleRewriteTest serves POST /api/v1/rewrite/test: a sample URL run
// through either the stored rule or one supplied in the body.
func (s *Server) handleRewriteTest(w http.ResponseWriter, r *http.Request) {
	var body rewriteTestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	rule := rewrite.DefaultRule()
	if s.config.Settings != nil {
		rule = s.config.Settings.Settings().Rule()
	}
	if body.SourcePattern != nil {
		rule.Pattern = *body.SourcePattern
	}
	if body.TargetBaseURL != nil {
		rule.Target = *body.TargetBaseURL
	}

	writeJSON(w, http.StatusOK, rule.Test(rewrite.CleanURL(body.URL)))
}
