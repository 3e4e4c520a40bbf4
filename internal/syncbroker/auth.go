package syncbroker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the subset of JWT claims SyncBroker cares about: a
// DeviceSession's identity is (user_id, device_fingerprint_hash), not a
// tenant (spec §3 DeviceSession).
type Claims struct {
	UserID                string
	DeviceFingerprintHash string
	ExpiresAt             time.Time
}

// AuthVerifier validates a bearer token into Claims (spec §6 "Auth:
// bearer token ... validated before the Authenticated transition").
// Grounded on the teacher's services/gateway/internal/middleware/
// auth.go hand-rolled HMAC-SHA256 JWT verification, kept as the idiom
// and re-scoped from tenant_id to user_id/device_fingerprint_hash — no
// example repo in the pack imports a JWT library, so this stays on
// crypto/hmac rather than reaching for one that isn't grounded.
type AuthVerifier struct {
	key      []byte
	issuer   string
	audience string
}

func NewAuthVerifier(signingKey []byte, issuer, audience string) *AuthVerifier {
	return &AuthVerifier{key: signingKey, issuer: issuer, audience: audience}
}

func b64urlDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, base64.CorruptInputError(0)
	}
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(s)
}

func claimString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func claimNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func audMatches(aud any, expected string) bool {
	if expected == "" {
		return true
	}
	if s, ok := aud.(string); ok {
		return s == expected
	}
	if arr, ok := aud.([]any); ok {
		for _, it := range arr {
			if s, ok := it.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

func issMatches(iss any, expected string) bool {
	if expected == "" {
		return true
	}
	s, ok := iss.(string)
	return ok && s == expected
}

// Verify checks signature, exp, iss, aud, then extracts user_id and
// device_fingerprint_hash. A ≤30s clock skew is tolerated on exp, same
// allowance the teacher's verifier gives.
func (v *AuthVerifier) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("syncbroker: malformed token")
	}
	payloadB, err := b64urlDecode(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("syncbroker: malformed token payload")
	}
	sigB, err := b64urlDecode(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("syncbroker: malformed token signature")
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	m := hmac.New(sha256.New, v.key)
	m.Write(signingInput)
	expected := m.Sum(nil)
	if !hmac.Equal(sigB, expected) {
		return Claims{}, fmt.Errorf("syncbroker: invalid token signature")
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadB, &claims); err != nil {
		return Claims{}, fmt.Errorf("syncbroker: invalid token claims")
	}

	expNum, ok := claimNumber(claims["exp"])
	if !ok {
		return Claims{}, fmt.Errorf("syncbroker: missing exp")
	}
	exp := time.Unix(int64(expNum), 0)
	if time.Now().UTC().After(exp.Add(30 * time.Second)) {
		return Claims{}, fmt.Errorf("syncbroker: token expired")
	}
	if !issMatches(claims["iss"], v.issuer) {
		return Claims{}, fmt.Errorf("syncbroker: invalid issuer")
	}
	if !audMatches(claims["aud"], v.audience) {
		return Claims{}, fmt.Errorf("syncbroker: invalid audience")
	}

	userID, ok := claimString(claims["user_id"])
	if !ok {
		return Claims{}, fmt.Errorf("syncbroker: missing user_id")
	}
	deviceHash, ok := claimString(claims["device_fingerprint_hash"])
	if !ok {
		return Claims{}, fmt.Errorf("syncbroker: missing device_fingerprint_hash")
	}

	return Claims{UserID: userID, DeviceFingerprintHash: deviceHash, ExpiresAt: exp}, nil
}
