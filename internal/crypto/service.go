// Package crypto implements versioned authenticated encryption of token material.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	keySize      = 32
	managedLabel = "v"
	staticLabel  = "s"
)

var (
	// ErrDecrypt is returned for any ciphertext that cannot be opened with the key
	// identified by its embedded version.
	ErrDecrypt = errors.New("crypto: decryption failed")
	// ErrUnknownKeyVersion indicates the key provider has no key for a version.
	ErrUnknownKeyVersion = errors.New("crypto: unknown key version")
	// ErrKeyServiceUnavailable indicates the managed key service could not be reached.
	ErrKeyServiceUnavailable = errors.New("crypto: key service unavailable")
)

// KeyProvider resolves raw 32-byte AES keys by version.
type KeyProvider interface {
	Key(ctx context.Context, version int) ([]byte, error)
}

// encryptionKeyer is implemented by providers that may seal with a static
// fallback key instead of the managed one.
type encryptionKeyer interface {
	EncryptionKey(ctx context.Context, version int) (key []byte, static bool, err error)
}

// staticKeyer resolves keys for "s<version>" envelopes.
type staticKeyer interface {
	StaticKey(ctx context.Context, version int) ([]byte, error)
}

// Envelope identifies the key that sealed a ciphertext.
type Envelope struct {
	Version int
	Static  bool
}

func (e Envelope) label() string {
	if e.Static {
		return staticLabel + strconv.Itoa(e.Version)
	}
	return managedLabel + strconv.Itoa(e.Version)
}

// Service encrypts and decrypts token material with AES-256-GCM.
//
// Ciphertexts are encoded as "v<version>:<base64(nonce || sealed)>". Ciphertexts
// sealed with the static fallback key during a managed key outage use the
// "s<version>" label instead. The label is also bound as additional data so a
// relabelled ciphertext fails authentication.
type Service struct {
	keys    KeyProvider
	current int
}

// NewService builds a Service that encrypts with the current key version.
func NewService(keys KeyProvider, currentVersion int) *Service {
	return &Service{keys: keys, current: currentVersion}
}

// CurrentVersion returns the key version used for new ciphertexts.
func (s *Service) CurrentVersion() int {
	return s.current
}

// Encrypt seals plaintext under version. A version <= 0 selects the current version.
// The returned version is the numeric key version; it may belong to the static
// label space when the managed service was unreachable.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, version int) (string, int, error) {
	if version <= 0 {
		version = s.current
	}
	env, key, err := s.sealingKey(ctx, version)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt: %w", err)
	}
	aead, err := newAEAD(key, env)
	if err != nil {
		return "", 0, fmt.Errorf("encrypt: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", 0, fmt.Errorf("encrypt: generate nonce: %w", err)
	}

	label := env.label()
	sealed := aead.Seal(nil, nonce, plaintext, []byte(label))
	payload := make([]byte, 0, len(nonce)+len(sealed))
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return label + ":" + base64.RawStdEncoding.EncodeToString(payload), version, nil
}

// EncryptString is Encrypt for string plaintexts under the current version.
func (s *Service) EncryptString(ctx context.Context, plaintext string) (string, int, error) {
	return s.Encrypt(ctx, []byte(plaintext), 0)
}

// Decrypt opens a ciphertext produced by Encrypt using only the key named by
// its embedded label.
func (s *Service) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	env, payload, err := ParseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}

	key, err := s.openingKey(ctx, env)
	if err != nil {
		if errors.Is(err, ErrUnknownKeyVersion) {
			return nil, fmt.Errorf("%w: key %s: %v", ErrDecrypt, env.label(), err)
		}
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	aead, err := newAEAD(key, env)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", ErrDecrypt)
	}
	nonce, sealed := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(env.label()))
	if err != nil {
		return nil, fmt.Errorf("%w: key %s", ErrDecrypt, env.label())
	}
	return plaintext, nil
}

// DecryptString is Decrypt returning a string.
func (s *Service) DecryptString(ctx context.Context, ciphertext string) (string, error) {
	plaintext, err := s.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Service) sealingKey(ctx context.Context, version int) (Envelope, []byte, error) {
	if keyer, ok := s.keys.(encryptionKeyer); ok {
		key, static, err := keyer.EncryptionKey(ctx, version)
		return Envelope{Version: version, Static: static}, key, err
	}
	key, err := s.keys.Key(ctx, version)
	return Envelope{Version: version}, key, err
}

func (s *Service) openingKey(ctx context.Context, env Envelope) ([]byte, error) {
	if !env.Static {
		return s.keys.Key(ctx, env.Version)
	}
	keyer, ok := s.keys.(staticKeyer)
	if !ok {
		return nil, fmt.Errorf("%w: no static key provider for %s", ErrUnknownKeyVersion, env.label())
	}
	return keyer.StaticKey(ctx, env.Version)
}

func newAEAD(key []byte, env Envelope) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key %s: expected %d bytes, got %d", env.label(), keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ParseEnvelope splits a ciphertext into its key label and raw payload.
func ParseEnvelope(ciphertext string) (Envelope, []byte, error) {
	label, encoded, ok := strings.Cut(ciphertext, ":")
	if !ok || len(label) < 2 {
		return Envelope{}, nil, fmt.Errorf("%w: malformed envelope", ErrDecrypt)
	}
	var env Envelope
	switch label[:1] {
	case managedLabel:
	case staticLabel:
		env.Static = true
	default:
		return Envelope{}, nil, fmt.Errorf("%w: malformed envelope", ErrDecrypt)
	}
	version, err := strconv.Atoi(label[1:])
	if err != nil || version <= 0 {
		return Envelope{}, nil, fmt.Errorf("%w: malformed key version", ErrDecrypt)
	}
	env.Version = version
	payload, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: malformed payload", ErrDecrypt)
	}
	return env, payload, nil
}
