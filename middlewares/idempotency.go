package middlewares

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"petshop-service/idempotency"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 255
)

type IdempotencyStore interface {
	Begin(key, fingerprint string) (*idempotency.Record, bool, error)
	Complete(key string, statusCode int, body []byte) error
	Release(key string) error
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response when an authenticated client
// repeats a request with the same Idempotency-Key. Requests without the
// header pass through. Server errors release the key so the client can retry.
func Idempotency(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(IdempotencyHeader)
		if header == "" {
			c.Next()
			return
		}
		if len(header) > maxIdempotencyKey {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("%s must be at most %d characters", IdempotencyHeader, maxIdempotencyKey),
				"code":  "validation_error",
				"field": IdempotencyHeader,
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read request body", "code": "validation_error"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		key := fmt.Sprintf("%d:%s", c.GetInt64(ContextUserID), header)
		sum := sha256.Sum256(append([]byte(c.Request.Method+" "+c.FullPath()+"\n"), body...))
		fingerprint := hex.EncodeToString(sum[:])

		rec, started, err := store.Begin(key, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "idempotency_key_reused"})
			return
		case err != nil:
			log.Printf("Idempotency store unavailable for key %q: %v", key, err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "please retry later", "code": "transient_store_error"})
			return
		case !started && rec.State == idempotency.StateCompleted:
			idempotentReplays.Inc()
			c.Header("Idempotent-Replayed", "true")
			c.Data(rec.StatusCode, "application/json; charset=utf-8", rec.Body)
			c.Abort()
			return
		case !started:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this key is still in progress", "code": "request_in_progress"})
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(key); err != nil {
				log.Printf("Failed to release idempotency key %q: %v", key, err)
			}
			return
		}
		if err := store.Complete(key, status, w.body.Bytes()); err != nil {
			log.Printf("Failed to record idempotent response for key %q: %v", key, err)
		}
	}
}
