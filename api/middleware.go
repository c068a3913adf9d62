package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/docflow/tenant"
)

type userKey struct{}

type requestIDKey struct{}

// requestID tags each request with an id, reusing the caller's when given.
func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		rid, _ := r.Context().Value(requestIDKey{}).(string)
		a.logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", rid),
		)
	})
}

// resolveTenant builds the tenant context from identity headers. A missing
// tier means basic.
func (a *API) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(HeaderOrgID))
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if orgID == "" || userID == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated",
				"missing "+HeaderOrgID+" or "+HeaderUserID+" header")
			return
		}

		tier := tenant.TierBasic
		if raw := r.Header.Get(HeaderTier); raw != "" {
			parsed, err := tenant.ParseTier(raw)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "invalid_tier", err.Error())
				return
			}
			tier = parsed
		}

		t, err := tenant.New(orgID, tenant.Subscription{Tier: tier, Limits: a.limits[tier]})
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_tenant", err.Error())
			return
		}

		ctx := tenant.WithContext(r.Context(), t)
		ctx = context.WithValue(ctx, userKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identity(r *http.Request) (tenant.Context, string) {
	t, _ := tenant.FromContext(r.Context())
	user, _ := r.Context().Value(userKey{}).(string)
	return t, user
}
