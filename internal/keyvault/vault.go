// Package keyvault implements envelope encryption and deterministic
// HMAC hashing on behalf of every other component (spec §4.1). It models
// the "HSM-equivalent" the spec allows: KEK material never leaves this
// package, decryption under the wrong context fails, and every call is
// rate-limited the way a real HSM endpoint would be (spec §5: "The KV is
// shared, stateless per call, rate-limited at its own layer").
package keyvault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	"github.com/openmates/synccore/internal/telemetry"
)

var (
	// ErrUnavailable maps to the KVUnavailable WebSocket error kind.
	ErrUnavailable = errors.New("keyvault: unavailable")
	// ErrInvalidCiphertext is returned when AEAD authentication fails —
	// either real tampering, or decryption under the wrong context/key
	// (the context-binding rule, spec §4.1).
	ErrInvalidCiphertext = errors.New("keyvault: invalid ciphertext")
	// ErrKeyNotFound is returned for an unknown key_id.
	ErrKeyNotFound = errors.New("keyvault: key not found")
)

// KeyPurpose names the kinds of key the original vault_setup provisions
// as distinct engines (vault_setup/engines.py): a user KEK, a chat KEK,
// and the shared email-HMAC key. It is not an input to key derivation:
// deriveKEK uses only key_id and context.
type KeyPurpose string

const (
	PurposeUser      KeyPurpose = "user"
	PurposeChat      KeyPurpose = "chat"
	PurposeEmailHMAC KeyPurpose = "email-hmac-key"
)

// Envelope is the at-rest shape of every ciphertext (spec §3 Envelope,
// §GLOSSARY): a nonce, the AEAD ciphertext+tag, and the DEK wrapped by
// the derived KEK. DEKs are never persisted unwrapped.
type Envelope struct {
	Nonce            []byte `json:"nonce"`
	CiphertextAndTag []byte `json:"ciphertext_and_tag"`
	WrappedDEK       []byte `json:"wrapped_dek"`
	WrapNonce        []byte `json:"wrap_nonce"`
	KeyVersion       int    `json:"key_version"`
}

// Bytes serializes an Envelope for storage in HotCache/MetadataStore,
// both of which only know how to hold opaque ciphertext blobs.
func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromBytes is the inverse of Bytes.
func EnvelopeFromBytes(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Vault is the KeyVault contract (spec §4.1).
type Vault interface {
	CreateUserKey(ctx context.Context) (keyID string, err error)
	Encrypt(ctx context.Context, plaintext []byte, keyID, purposeContext string) (Envelope, error)
	Decrypt(ctx context.Context, env Envelope, keyID, purposeContext string) ([]byte, error)
	HMAC(ctx context.Context, plaintext []byte, hmacKeyID string) ([]byte, error)
	Verify(ctx context.Context, plaintext, storedDigest []byte) bool
}

// tokenCacheEntry caches a derived KEK for up to TokenCacheTTL (spec
// §4.1: "Cache token validity for ≤30 s to reduce round-trips").
type tokenCacheEntry struct {
	kek       [chacha20poly1305.KeySize]byte
	expiresAt time.Time
}

// InProcessVault is the single current implementation: it stands in for
// an HSM-equivalent process boundary. Key material (masterSecret) is
// supplied at construction and never logged or exported.
type InProcessVault struct {
	masterSecret []byte
	hmacKeys     map[string][]byte

	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]tokenCacheEntry

	tokenTTL time.Duration
	log      *telemetry.Logger
}

// NewInProcessVault constructs a vault. masterSecret is the root key
// material every KEK is derived from via HKDF; hmacKeys maps an
// hmac_key_id (e.g. "email-hmac-key") to its raw key bytes.
func NewInProcessVault(masterSecret []byte, hmacKeys map[string][]byte, ratePerSec float64, tokenTTL time.Duration, log *telemetry.Logger) (*InProcessVault, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("keyvault: master secret must be >= 32 bytes")
	}
	if ratePerSec <= 0 {
		ratePerSec = 200
	}
	if tokenTTL <= 0 || tokenTTL > 30*time.Second {
		tokenTTL = 30 * time.Second
	}
	if log == nil {
		log = telemetry.Nop
	}
	return &InProcessVault{
		masterSecret: masterSecret,
		hmacKeys:     hmacKeys,
		limiter:      rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
		cache:        make(map[string]tokenCacheEntry),
		tokenTTL:     tokenTTL,
		log:          log,
	}, nil
}

func (v *InProcessVault) await(ctx context.Context) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CreateUserKey mints a fresh key_id. The key material itself is never
// generated ahead of time — it is derived on demand from masterSecret +
// key_id + context, so "creating" a key is just minting its identifier.
func (v *InProcessVault) CreateUserKey(ctx context.Context) (string, error) {
	if err := v.await(ctx); err != nil {
		return "", err
	}
	var raw [16]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Sprintf("kv_%x", raw), nil
}

// deriveKEK is the context-binding primitive: HKDF(masterSecret,
// salt=keyID, info=context) produces a key deterministic in (keyID,
// context) but different for any other context, which is exactly the
// binding rule in spec §4.1: "decryption with context c1 of a
// ciphertext produced with context c2 != c1 MUST fail."
func (v *InProcessVault) deriveKEK(keyID, purposeContext string) ([chacha20poly1305.KeySize]byte, error) {
	cacheKey := keyID + "\x00" + purposeContext
	v.mu.Lock()
	if e, ok := v.cache[cacheKey]; ok && time.Now().Before(e.expiresAt) {
		v.mu.Unlock()
		return e.kek, nil
	}
	v.mu.Unlock()

	h := hkdf.New(sha256.New, v.masterSecret, []byte(keyID), []byte(purposeContext))
	var kek [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(h, kek[:]); err != nil {
		return kek, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	v.mu.Lock()
	v.cache[cacheKey] = tokenCacheEntry{kek: kek, expiresAt: time.Now().Add(v.tokenTTL)}
	v.mu.Unlock()
	return kek, nil
}

const currentKeyVersion = 1

// Encrypt seals plaintext under a random per-call DEK, then wraps that
// DEK with the context-derived KEK (spec §4.1/§GLOSSARY envelope
// encryption).
func (v *InProcessVault) Encrypt(ctx context.Context, plaintext []byte, keyID, purposeContext string) (Envelope, error) {
	spanCtx, end := telemetry.StartSpan(ctx, "keyvault", "encrypt")
	var retErr error
	defer func() { end(retErr) }()

	if err := v.await(spanCtx); err != nil {
		retErr = err
		return Envelope{}, err
	}

	kek, err := v.deriveKEK(keyID, purposeContext)
	if err != nil {
		retErr = err
		return Envelope{}, err
	}

	var dek [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(rand.Reader, dek[:]); err != nil {
		retErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return Envelope{}, retErr
	}

	dataAEAD, err := chacha20poly1305.New(dek[:])
	if err != nil {
		retErr = err
		return Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		retErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return Envelope{}, retErr
	}
	ciphertext := dataAEAD.Seal(nil, nonce, plaintext, []byte(purposeContext))

	wrapAEAD, err := chacha20poly1305.New(kek[:])
	if err != nil {
		retErr = err
		return Envelope{}, err
	}
	wrapNonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
		retErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return Envelope{}, retErr
	}
	wrapped := wrapAEAD.Seal(nil, wrapNonce, dek[:], []byte(keyID))

	return Envelope{
		Nonce:            nonce,
		CiphertextAndTag: ciphertext,
		WrappedDEK:       wrapped,
		WrapNonce:        wrapNonce,
		KeyVersion:       currentKeyVersion,
	}, nil
}

// Decrypt unwraps the DEK with the context-derived KEK, then opens the
// ciphertext. Any mismatch in keyID or purposeContext versus what was
// used at Encrypt time fails AEAD authentication, which is exactly the
// "decryption with a different context/key fails" guarantee (P4).
//
// Re-keying is a future extension (spec §4.1); KeyVersion is carried in
// every envelope so a historical version could be decrypted differently
// once that extension lands — today there is only version 1.
func (v *InProcessVault) Decrypt(ctx context.Context, env Envelope, keyID, purposeContext string) ([]byte, error) {
	spanCtx, end := telemetry.StartSpan(ctx, "keyvault", "decrypt")
	var retErr error
	defer func() { end(retErr) }()

	if err := v.await(spanCtx); err != nil {
		retErr = err
		return nil, err
	}

	kek, err := v.deriveKEK(keyID, purposeContext)
	if err != nil {
		retErr = err
		return nil, err
	}

	wrapAEAD, err := chacha20poly1305.New(kek[:])
	if err != nil {
		retErr = err
		return nil, err
	}
	dek, err := wrapAEAD.Open(nil, env.WrapNonce, env.WrappedDEK, []byte(keyID))
	if err != nil {
		retErr = ErrInvalidCiphertext
		return nil, ErrInvalidCiphertext
	}

	dataAEAD, err := chacha20poly1305.New(dek)
	if err != nil {
		retErr = err
		return nil, err
	}
	plaintext, err := dataAEAD.Open(nil, env.Nonce, env.CiphertextAndTag, []byte(purposeContext))
	if err != nil {
		retErr = ErrInvalidCiphertext
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// HMAC computes a deterministic digest for lookup-equality of PII (spec
// §1, §4.1): same hmac_key_id + plaintext always produces the same
// digest (P5).
func (v *InProcessVault) HMAC(ctx context.Context, plaintext []byte, hmacKeyID string) ([]byte, error) {
	if err := v.await(ctx); err != nil {
		return nil, err
	}
	key, ok := v.hmacKeys[hmacKeyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	return mac.Sum(nil), nil
}

// Verify constant-time compares its first argument against storedDigest
// with hmac.Equal. It does not hash: despite the parameter name, the
// caller passes a digest already computed with HMAC, and the two byte
// slices are compared as they are.
func (v *InProcessVault) Verify(ctx context.Context, plaintext, storedDigest []byte) bool {
	_ = ctx
	return hmac.Equal(plaintext, storedDigest)
}
