package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/idempotency"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/model"
)

const (
	idempotencyKeyHeader = "X-Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// Idempotency replays the recorded response when a request repeats an
// X-Idempotency-Key. Requests without the header pass through. Only 2xx
// responses are recorded, so a failed attempt can be retried with the same
// key. It must run after BuildRequestContextMiddleware. metrics may be nil.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyKeyHeader)
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				WriteError(w, r, model.NewBadRequestError("idempotency key too long"))
				return
			}

			rctx, ok := requestContext(w, r)
			if !ok {
				return
			}

			raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				WriteError(w, r, model.NewBadRequestError("could not read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))

			storeKey := idempotency.FormatKey(rctx.SubjectID, key)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, raw)

			cached, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				if found {
					metrics.RecordIdempotency(observability.IdempotencyConflict)
					WriteError(w, r, err)
					return
				}
				metrics.RecordIdempotency(observability.IdempotencyError)
				// Lookup failures degrade to normal processing.
				observability.RequestLogger(r.Context(), zap.L()).Warn("idempotency lookup failed",
					zap.String("key", key),
					zap.Error(err),
				)
			}
			if found && cached != nil {
				metrics.RecordIdempotency(observability.IdempotencyReplayed)
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set(replayedHeader, "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status > 299 {
				return
			}
			resp := idempotency.Response{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        body.Bytes(),
			}
			if err := store.Save(r.Context(), storeKey, hash, resp, ttl); err != nil {
				metrics.RecordIdempotency(observability.IdempotencyError)
				observability.RequestLogger(r.Context(), zap.L()).Warn("idempotency save failed",
					zap.String("key", key),
					zap.Error(err),
				)
				return
			}
			metrics.RecordIdempotency(observability.IdempotencyStored)
		})
	}
}
