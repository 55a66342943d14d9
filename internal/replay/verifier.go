package replay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing_signature")
	ErrMissingSecret    = errors.New("webhook_secret_not_configured")
	ErrInvalidSignature = errors.New("invalid_signature")
)

// Verifier checks HMAC-SHA256 signatures over raw request bodies.
type Verifier struct {
	secret        []byte
	allowUnsigned bool
}

func NewVerifier(secret string, allowUnsigned bool) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), allowUnsigned: allowUnsigned}
}

func (v *Verifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify accepts a hex or base64 signature, optionally prefixed with "sha256=".
// Without a secret or a signature the request is rejected unless unsigned
// delivery is allowed.
func (v *Verifier) Verify(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if !v.Configured() {
		if v != nil && v.allowUnsigned {
			return nil
		}
		return ErrMissingSecret
	}
	if header == "" {
		if v.allowUnsigned {
			return nil
		}
		return ErrMissingSignature
	}

	provided := header
	if len(provided) > len("sha256=") && strings.EqualFold(provided[:len("sha256=")], "sha256=") {
		provided = provided[len("sha256="):]
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
		return nil
	}
	return ErrInvalidSignature
}

// Sign returns the hex signature of body, as expected in signature headers.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
