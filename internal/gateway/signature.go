package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

// Sign returns the lowercase hex HMAC-SHA-256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks provided against the HMAC of the raw body. The
// optional "sha256=" prefix is accepted. Comparison is constant time.
func VerifySignature(secret string, body []byte, provided string) error {
	if strings.TrimSpace(secret) == "" {
		return domainSignatureError("webhook secret not configured")
	}
	provided = strings.TrimSpace(provided)
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return domainSignatureError("missing signature")
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return domainSignatureError("signature mismatch")
	}
	return nil
}

func domainSignatureError(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrSignatureVerification, reason)
}
