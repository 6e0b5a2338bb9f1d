package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/codeq/internal/auth"
	"github.com/osvaldoandrade/codeq/internal/metrics"
	resultsvc "github.com/osvaldoandrade/codeq/internal/services/results"
	subsvc "github.com/osvaldoandrade/codeq/internal/services/subscriptions"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
)

type ctxKey int

const claimsKey ctxKey = iota

func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return c
}

// authed verifies the bearer token, checks scope (empty scope means any
// verified identity), and applies the per-subject rate limit.
func (s *Server) authed(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			metrics.AuthFailureTotal.WithLabelValues("missing_token").Inc()
			writeError(w, http.StatusUnauthorized, "missing bearer token", false)
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			metrics.AuthFailureTotal.WithLabelValues(authFailureClass(err)).Inc()
			writeError(w, http.StatusUnauthorized, err.Error(), auth.Transient(err))
			return
		}
		if scope != "" {
			if err := auth.RequireScope(claims, scope); err != nil {
				metrics.AuthFailureTotal.WithLabelValues("insufficient_scope").Inc()
				writeError(w, http.StatusForbidden, err.Error(), false)
				return
			}
		}
		if lim := s.rt.Limiter(); lim != nil && !lim.Allow(claims.Subject) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", true)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

func authFailureClass(err error) string {
	switch {
	case errors.Is(err, auth.ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	case errors.Is(err, auth.ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, auth.ErrWrongIssuerOrAudience):
		return "wrong_issuer_or_audience"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, auth.ErrMalformedToken):
		return "malformed"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string, transient bool) {
	writeJSON(w, code, map[string]interface{}{"error": msg, "transient": transient})
}

// writeStoreError maps service and store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrNotFound), errors.Is(err, subsvc.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", false)
	case errors.Is(err, taskstore.ErrNotOwner), errors.Is(err, subsvc.ErrNotOwner):
		writeError(w, http.StatusForbidden, "lease is held by another subject", false)
	case errors.Is(err, taskstore.ErrConflict):
		writeError(w, http.StatusConflict, "task state conflict", false)
	case errors.Is(err, taskstore.ErrInvalidCommand),
		errors.Is(err, resultsvc.ErrInvalidStatus),
		errors.Is(err, subsvc.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error(), false)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", true)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route pattern and status code.
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		mux.ServeHTTP(rec, r)
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	})
}
