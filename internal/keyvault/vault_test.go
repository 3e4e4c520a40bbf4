package keyvault

import (
	"context"
	"testing"
	"time"
)

func testVault(t *testing.T) *InProcessVault {
	t.Helper()
	v, err := NewInProcessVault(
		[]byte("0123456789abcdef0123456789abcdef"),
		map[string][]byte{string(PurposeEmailHMAC): []byte("hmac-key-material")},
		1000,
		30*time.Second,
		nil,
	)
	if err != nil {
		t.Fatalf("NewInProcessVault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	keyID, err := v.CreateUserKey(ctx)
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}

	plaintext := []byte("this is a message body")
	env, err := v.Encrypt(ctx, plaintext, keyID, "chat:123:message")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := v.Decrypt(ctx, env, keyID, "chat:123:message")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptFailsUnderDifferentContext(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	keyID, err := v.CreateUserKey(ctx)
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}

	env, err := v.Encrypt(ctx, []byte("secret"), keyID, "chat:123:message")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := v.Decrypt(ctx, env, keyID, "chat:456:message"); err != ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext for mismatched context, got %v", err)
	}
}

func TestDecryptFailsUnderDifferentKey(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	keyA, err := v.CreateUserKey(ctx)
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}
	keyB, err := v.CreateUserKey(ctx)
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}
	if keyA == keyB {
		t.Fatalf("expected distinct key ids")
	}

	env, err := v.Encrypt(ctx, []byte("secret"), keyA, "chat:123:message")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := v.Decrypt(ctx, env, keyB, "chat:123:message"); err != ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext for mismatched key, got %v", err)
	}
}

func TestHMACDeterministicAndVerify(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()

	d1, err := v.HMAC(ctx, []byte("user@example.com"), string(PurposeEmailHMAC))
	if err != nil {
		t.Fatalf("HMAC: %v", err)
	}
	d2, err := v.HMAC(ctx, []byte("user@example.com"), string(PurposeEmailHMAC))
	if err != nil {
		t.Fatalf("HMAC: %v", err)
	}
	if string(d1) != string(d2) {
		t.Fatalf("expected deterministic digest for identical input")
	}

	d3, err := v.HMAC(ctx, []byte("other@example.com"), string(PurposeEmailHMAC))
	if err != nil {
		t.Fatalf("HMAC: %v", err)
	}
	if string(d1) == string(d3) {
		t.Fatalf("expected distinct digests for distinct inputs")
	}

	if !v.Verify(ctx, d1, d2) {
		t.Fatalf("expected Verify to accept matching digests")
	}
	if v.Verify(ctx, d1, d3) {
		t.Fatalf("expected Verify to reject mismatched digests")
	}
}

func TestHMACUnknownKeyID(t *testing.T) {
	v := testVault(t)
	ctx := context.Background()
	if _, err := v.HMAC(ctx, []byte("x"), "no-such-key"); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
