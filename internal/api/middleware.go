package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/skillswap-chat/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func (s *ChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the request credential before any handler runs, so
// a rejected websocket handshake never reaches the upgrade.
func (s *ChatApp) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			var errResp *ApiError
			switch {
			case errors.Is(err, auth.ErrAuthRejected), errors.Is(err, auth.ErrIdentityGone):
				s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
				errResp = NewUnauthorizedError()
			default:
				s.log.Error().Err(err).Msg("authenticate")
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// observe records request count and latency labelled by route pattern.
func (s *ChatApp) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		switch {
		case status != 0:
		case websocket.IsWebSocketUpgrade(r):
			// the upgrade response is written on the hijacked connection
			status = http.StatusSwitchingProtocols
		default:
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, path, status, time.Since(start))
	})
}
