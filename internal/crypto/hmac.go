package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HMACAuth holds the API credentials for HMAC-authenticated requests against
// a perp venue REST API. Venue clients compose their own signing payload and
// header names; this type owns keying and encoding.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// SignHex returns the lowercase hex HMAC-SHA256 of message keyed by the
// secret. This is the signature form both supported venues expect on REST
// requests.
func (h *HMACAuth) SignHex(message string) string {
	return hex.EncodeToString(h.sum(message))
}

// SignBase64 returns the base64 HMAC-SHA256 of message, used by WebSocket
// auth payloads.
func (h *HMACAuth) SignBase64(message string) string {
	return base64.StdEncoding.EncodeToString(h.sum(message))
}

func (h *HMACAuth) sum(message string) []byte {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
