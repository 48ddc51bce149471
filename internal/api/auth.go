package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"x402-engine/internal/apierrors"
	"x402-engine/internal/observability"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware accepts requests carrying one of keys as a bearer token or
// in the X-API-Key header.
func APIKeyMiddleware(keys []string, logger *observability.Logger) gin.HandlerFunc {
	hashes := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			hashes = append(hashes, sha256.Sum256([]byte(k)))
		}
	}

	return func(c *gin.Context) {
		key := presentedKey(c)
		if key == "" {
			apierrors.RespondWithError(c, apierrors.Unauthorized("missing API key"))
			return
		}

		// Hashing first keeps the comparison length-independent.
		sum := sha256.Sum256([]byte(key))
		matched := 0
		for _, h := range hashes {
			matched |= subtle.ConstantTimeCompare(sum[:], h[:])
		}
		if matched != 1 {
			logger.Warn(c.Request.Context(), "rejected request with unknown API key")
			apierrors.RespondWithError(c, apierrors.Unauthorized("invalid API key"))
			return
		}
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
