package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/origin"
	"realtime-chat/internal/storage/zapadapter"

	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	bodyKey
)

func newContextWithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFromContext returns the caller stored by authenticate
func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// bodyFromContext returns the request body already read and validated by enforceJSON
func bodyFromContext(ctx context.Context) ([]byte, bool) {
	b, ok := ctx.Value(bodyKey).([]byte)
	return b, ok
}

// enforceJSON is a middleware pre-processing requests that carry a body
// it checks for application/json Content-Type header and valid json body
// it also sets blank Content-Type header to application/json
func enforceJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType := r.Header.Get("Content-Type")
		if contentType != "" {
			mt, _, err := mime.ParseMediaType(contentType)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Malformed Content-Type header")
				return
			}

			if mt != "application/json" {
				writeError(w, http.StatusUnsupportedMediaType, "Content-Type header must be application/json")
				return
			}
		} else {
			r.Header.Set("Content-Type", "application/json")
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body is too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Can not read request body")
			return
		}

		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, "No body provided")
			return
		}

		if err := fastjson.ValidateBytes(body); err != nil {
			writeError(w, http.StatusBadRequest, "Malformed JSON")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey, body)))
	})
}

// bodyLimit caps the number of bytes read from any request body
func bodyLimit(next http.Handler, n int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller from the bearer header or the token cookie
func authenticate(next http.Handler, verifier auth.Verifier, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.FromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Not authorized, token not provided")
			return
		}

		id, err := verifier.Verify(token)
		if err != nil {
			fields := append(zapadapter.ContextFields(r.Context()), zap.Error(err))
			logger.Debug("rejected token", fields...)
			writeError(w, http.StatusForbidden, "Not authorized, invalid or expired token")
			return
		}

		ctx := newContextWithIdentity(r.Context(), id)
		ctx = zapadapter.NewContextWithUserID(ctx, id.ID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors answers preflight requests and tags responses for allowed origins
func cors(next http.Handler, allowlist *origin.Allowlist) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := r.Header.Get("Origin")
		if o != "" && allowlist != nil && allowlist.Allowed(o) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", o)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", strconv.Itoa(600))
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		ctx := zapadapter.NewContextWithID(r.Context(), id)
		rwID := r.WithContext(ctx)

		logger.Info("incoming http request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("ip", r.RemoteAddr),
		)

		next.ServeHTTP(w, rwID)
	})
}
