package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelhttp "go.opentelemetry.io/otel/propagation"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/idempotency"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/rateLimit"
)

const (
	SubjectHeader     = "X-Subject-Id"
	RoleHeader        = "X-Subject-Role"
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// LoggerMiddleware attaches a request-scoped logger and logs each completed
// request.
func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), entry)))

			entry.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request handled")
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		ctx, span := observability.Tracer().Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

type actorKey struct{}

func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(actorKey{}).(domain.Actor)
	return a
}

// IdentityMiddleware trusts the subject headers set by the authenticating
// proxy in front of the API.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
		if subject == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing " + SubjectHeader})
			return
		}
		actor := domain.Actor{SubjectID: subject, Admin: strings.EqualFold(r.Header.Get(RoleHeader), "admin")}
		ctx := WithActor(r.Context(), actor)
		if l := observability.FromContext(ctx, nil); l != nil {
			ctx = observability.WithLogger(ctx, l.WithField("subject", subject))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware limits each subject to perMinute requests and each
// client address to ten times that. A nil limiter disables it.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, perMinute int) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := ActorFrom(r.Context()).SubjectID
			if !rl.Allow(r.Context(), "subject:"+subject, perMinute, time.Minute) ||
				!rl.Allow(r.Context(), "ip:"+clientIP(r), perMinute*10, time.Minute) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// IdempotencyMiddleware replays the stored response of a POST repeated with
// the same Idempotency-Key by the same subject. Requests without the header
// pass through. A nil store disables it.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if idemp == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) < 16 || len(key) > 255 {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "invalid " + IdempotencyHeader})
				return
			}

			ctx := r.Context()
			subject := ActorFrom(ctx).SubjectID
			request := r.Method + " " + r.URL.Path

			stored, err := idemp.Get(ctx, subject, key)
			if err != nil {
				writeError(w, r, logger, errors.Wrap(err, "load idempotent response"))
				return
			}
			if stored != nil {
				replay(w, request, stored)
				return
			}

			if err := idemp.Begin(ctx, subject, key); err != nil {
				if errors.Is(err, idempotency.ErrInFlight) {
					writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: err.Error()})
					return
				}
				writeError(w, r, logger, errors.Wrap(err, "claim idempotency key"))
				return
			}
			defer func() {
				if err := idemp.End(context.WithoutCancel(ctx), subject, key); err != nil {
					observability.FromContext(ctx, logger).WithError(err).Warn("release idempotency key")
				}
			}()

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{
				Request:     request,
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Result:      body.Bytes(),
			}
			if err := idemp.Set(context.WithoutCancel(ctx), subject, key, resp); err != nil {
				observability.FromContext(ctx, logger).WithError(err).Warn("store idempotent response")
			}
		})
	}
}

func replay(w http.ResponseWriter, request string, stored *idempotency.Response) {
	if stored.Request != request {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "invalid_input",
			Message: IdempotencyHeader + " was already used for " + stored.Request,
		})
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Result)
}
