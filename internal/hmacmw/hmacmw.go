// Package hmacmw provides HTTP middleware that verifies GitHub webhook
// signatures (X-Hub-Signature-256) before any payload parsing happens.
package hmacmw

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const signatureHeader = "X-Hub-Signature-256"

var errMissingSecret = errors.New("webhook secret not configured")

// maxBody caps webhook payload size. GitHub caps payloads at 25 MB.
const maxBody = 25 << 20

// Verify returns middleware that authenticates the request body against
// the shared webhook secret. The signature covers the raw bytes, so the
// body is read here and replayed for downstream handlers. Requests that
// fail verification are rejected with 401 and never parsed.
func Verify(secret string, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if secret == "" {
				// Refuse to run unauthenticated rather than silently
				// accepting forged events.
				logger.Error(ctx, errMissingSecret, "rejecting unauthenticated webhook delivery")
				http.Error(w, `{"error":"webhook signature verification unavailable"}`, http.StatusUnauthorized)
				return
			}

			sig := r.Header.Get(signatureHeader)
			if !strings.HasPrefix(sig, "sha256=") {
				http.Error(w, `{"error":"missing webhook signature"}`, http.StatusUnauthorized)
				return
			}
			want, err := hex.DecodeString(sig[len("sha256="):])
			if err != nil {
				http.Error(w, `{"error":"malformed webhook signature"}`, http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				http.Error(w, `{"error":"unreadable request body"}`, http.StatusBadRequest)
				return
			}
			r.Body.Close()

			mac := hmac.New(sha256.New, key)
			mac.Write(body)
			if !hmac.Equal(mac.Sum(nil), want) {
				logger.Warn(ctx, "webhook signature mismatch", "remote", r.RemoteAddr)
				http.Error(w, `{"error":"invalid webhook signature"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// Sign computes the header value for a payload. Exported for tests and
// local delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
