package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/engine"
)

type ctxKey int

const adminKey ctxKey = iota

func isAdmin(r *http.Request) bool {
	admin, _ := r.Context().Value(adminKey).(bool)
	return admin
}

// apiKeyMiddleware validates the X-API-Key header against the admin key and
// the key store. keys may be nil.
func apiKeyMiddleware(expectedKey string, keys *KeyStore, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				sendError(w, "Missing X-API-Key header", http.StatusUnauthorized)
				return
			}
			if expectedKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(expectedKey)) == 1 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, true)))
				return
			}
			if keys != nil {
				ok, err := keys.Validate(apiKey)
				if err != nil {
					log.Error("validating api key", zap.Error(err))
					sendError(w, "Failed to validate API key", http.StatusInternalServerError)
					return
				}
				if ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			sendError(w, "Invalid API key", http.StatusUnauthorized)
		})
	}
}

// adminOnly rejects requests not made with the admin key.
func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			sendError(w, "Admin API key required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// sendSuccess sends a successful JSON response
func sendSuccess(w http.ResponseWriter, data interface{}) {
	sendStatus(w, http.StatusOK, data)
}

func sendStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

// sendError sends an error JSON response
func sendError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, codec.ErrMalformedRecord),
		errors.Is(err, codec.ErrSchemaMismatch),
		errors.Is(err, codec.ErrInvalidSchema),
		errors.Is(err, connector.ErrInvalidSegmentName):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateKey),
		errors.Is(err, engine.ErrIntegrityViolation),
		errors.Is(err, engine.ErrTableExists),
		errors.Is(err, engine.ErrKeyMismatch),
		errors.Is(err, connector.ErrSegmentExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrDatabaseClosed),
		errors.Is(err, connector.ErrConnectorUnavailable),
		errors.Is(err, connector.ErrConnectorClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendEngineError(w http.ResponseWriter, err error) {
	sendError(w, err.Error(), statusFor(err))
}
