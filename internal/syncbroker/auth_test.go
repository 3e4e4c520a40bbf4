package syncbroker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func signToken(t *testing.T, key []byte, claims map[string]any) string {
	t.Helper()
	header := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(body)
	signingInput := header + "." + payload

	m := hmac.New(sha256.New, key)
	m.Write([]byte(signingInput))
	sig := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(m.Sum(nil))
	return signingInput + "." + sig
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	key := []byte("test-signing-key-material")
	v := NewAuthVerifier(key, "openmates-synccore", "openmates-clients")

	token := signToken(t, key, map[string]any{
		"user_id":                 "user-1",
		"device_fingerprint_hash": "device-1",
		"iss":                     "openmates-synccore",
		"aud":                     "openmates-clients",
		"exp":                     float64(time.Now().Add(time.Hour).Unix()),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceFingerprintHash != "device-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := NewAuthVerifier([]byte("the-real-key"), "", "")
	token := signToken(t, []byte("a-different-key"), map[string]any{
		"user_id": "user-1", "device_fingerprint_hash": "device-1",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := []byte("test-signing-key-material")
	v := NewAuthVerifier(key, "", "")
	token := signToken(t, key, map[string]any{
		"user_id": "user-1", "device_fingerprint_hash": "device-1",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	key := []byte("test-signing-key-material")
	v := NewAuthVerifier(key, "openmates-synccore", "openmates-clients")
	token := signToken(t, key, map[string]any{
		"user_id": "user-1", "device_fingerprint_hash": "device-1",
		"iss": "openmates-synccore", "aud": "some-other-audience",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestVerifyRejectsMissingDeviceFingerprint(t *testing.T) {
	key := []byte("test-signing-key-material")
	v := NewAuthVerifier(key, "", "")
	token := signToken(t, key, map[string]any{
		"user_id": "user-1",
		"exp":     float64(time.Now().Add(time.Hour).Unix()),
	})
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected missing device_fingerprint_hash to be rejected")
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	v := NewAuthVerifier([]byte("key"), "", "")
	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
	if _, err := v.Verify(strings.Repeat("a.", 2) + "b"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}
