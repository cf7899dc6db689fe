package telephony

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"vonage-outbound-otp/pkg/logger"
)

var ErrInvalidSignature = errors.New("telephony: invalid webhook signature")

const maxWebhookBody = 1 << 20

// VerifySignedWebhook checks a Vonage signed webhook: an HS256 JWT in the
// Authorization header whose payload_hash claim is the SHA-256 of body.
func VerifySignedWebhook(secret, authorization string, body []byte) error {
	if !strings.HasPrefix(authorization, "Bearer ") {
		return ErrInvalidSignature
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if raw == "" {
		return ErrInvalidSignature
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return ErrInvalidSignature
	}

	hash, _ := claims["payload_hash"].(string)
	if hash == "" {
		// Bodyless requests (the answer GET) carry no payload hash.
		if len(body) == 0 {
			return nil
		}
		return ErrInvalidSignature
	}
	sum := sha256.Sum256(body)
	if !strings.EqualFold(hash, hex.EncodeToString(sum[:])) {
		return ErrInvalidSignature
	}
	return nil
}

// RequireSignedWebhook rejects provider callbacks that fail signature
// verification. With an empty secret it lets every request through.
func RequireSignedWebhook(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		if err := VerifySignedWebhook(secret, c.GetHeader("Authorization"), body); err != nil {
			logger.FromGin(c).Warn("webhook signature rejected", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
