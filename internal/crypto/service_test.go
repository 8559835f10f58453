package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 2)

	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(rt, "plaintext")
		version := rapid.IntRange(1, 5).Draw(rt, "version")

		ciphertext, used, err := svc.Encrypt(context.Background(), plaintext, version)
		require.NoError(rt, err)
		require.Equal(rt, version, used)
		require.True(rt, strings.HasPrefix(ciphertext, fmt.Sprintf("v%d:", version)))

		got, err := svc.Decrypt(context.Background(), ciphertext)
		require.NoError(rt, err)
		require.Equal(rt, string(plaintext), string(got))
	})
}

func TestEncryptUsesCurrentVersionByDefault(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 3)

	ciphertext, version, err := svc.EncryptString(context.Background(), "access-token")
	require.NoError(t, err)
	require.Equal(t, 3, version)
	require.True(t, strings.HasPrefix(ciphertext, "v3:"))
}

func TestEncryptFreshNonce(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 1)

	a, _, err := svc.EncryptString(context.Background(), "same")
	require.NoError(t, err)
	b, _, err := svc.EncryptString(context.Background(), "same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptWithDifferentVersionFails(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 1)

	ciphertext, _, err := svc.Encrypt(context.Background(), []byte("refresh-token"), 1)
	require.NoError(t, err)

	relabelled := "v2" + strings.TrimPrefix(ciphertext, "v1")
	_, err = svc.Decrypt(context.Background(), relabelled)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptUnknownVersion(t *testing.T) {
	keys := &mapKeyProvider{keys: map[int][]byte{1: make([]byte, 32)}}
	svc := NewService(keys, 1)

	ciphertext, _, err := svc.Encrypt(context.Background(), []byte("token"), 1)
	require.NoError(t, err)

	delete(keys.keys, 1)
	_, err = svc.Decrypt(context.Background(), ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptTamperedPayload(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 1)

	ciphertext, _, err := svc.EncryptString(context.Background(), "token")
	require.NoError(t, err)

	env, payload, err := ParseEnvelope(ciphertext)
	require.NoError(t, err)
	require.False(t, env.Static)
	payload[len(payload)-1] ^= 0xff
	tampered := fmt.Sprintf("v%d:%s", env.Version, base64.RawStdEncoding.EncodeToString(payload))

	_, err = svc.Decrypt(context.Background(), tampered)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptMalformed(t *testing.T) {
	svc := NewService(NewStaticKeyProvider("master-secret"), 1)

	for _, input := range []string{"", "plain", "x1:abc", "v0:abc", "v1:%%%", "v1:", "s0:abc", "s1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		_, err := svc.Decrypt(context.Background(), input)
		require.ErrorIs(t, err, ErrDecrypt, input)
	}
}

func TestStaticKeysDifferPerVersion(t *testing.T) {
	p := NewStaticKeyProvider("master-secret")
	k1, err := p.Key(context.Background(), 1)
	require.NoError(t, err)
	k2, err := p.Key(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, k1, 32)
	require.NotEqual(t, k1, k2)
}

func TestVaultKeyProvider(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 7
	kv := &fakeKV{secrets: map[string]*api.KVSecret{
		"fitlink/keys/v1": {Data: map[string]interface{}{"key": base64.StdEncoding.EncodeToString(raw)}},
	}}
	p := NewVaultKeyProvider(kv, "fitlink/keys")

	key, err := p.Key(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, raw, key)

	_, err = p.Key(context.Background(), 2)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)

	kv.err = errors.New("dial tcp: connection refused")
	_, err = p.Key(context.Background(), 1)
	require.ErrorIs(t, err, ErrKeyServiceUnavailable)
}

func TestFallbackNeverResolvesManagedLabels(t *testing.T) {
	primary := &mapKeyProvider{keys: map[int][]byte{}}
	p := NewFallbackKeyProvider(primary, NewStaticKeyProvider("fallback"), zap.NewNop())

	_, err := p.Key(context.Background(), 1)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)

	primary.err = ErrKeyServiceUnavailable
	_, err = p.Key(context.Background(), 1)
	require.ErrorIs(t, err, ErrKeyServiceUnavailable)

	_, static, err := p.EncryptionKey(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, static)
}

func TestFallbackSealedTokenSurvivesRecovery(t *testing.T) {
	managedKey := make([]byte, 32)
	managedKey[0] = 42
	primary := &mapKeyProvider{keys: map[int][]byte{1: managedKey}}
	svc := NewService(NewFallbackKeyProvider(primary, NewStaticKeyProvider("fallback-master"), zap.NewNop()), 1)
	ctx := context.Background()

	primary.err = ErrKeyServiceUnavailable
	sealedDuringOutage, version, err := svc.EncryptString(ctx, "refresh-token")
	require.NoError(t, err)
	require.Equal(t, 1, version)
	require.True(t, strings.HasPrefix(sealedDuringOutage, "s1:"))

	// Managed labels are not opened with the fallback key during the outage.
	primary.err = nil
	sealedManaged, _, err := svc.EncryptString(ctx, "access-token")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealedManaged, "v1:"))
	primary.err = ErrKeyServiceUnavailable
	_, err = svc.DecryptString(ctx, sealedManaged)
	require.ErrorIs(t, err, ErrKeyServiceUnavailable)

	primary.err = nil
	got, err := svc.DecryptString(ctx, sealedDuringOutage)
	require.NoError(t, err)
	require.Equal(t, "refresh-token", got)

	got, err = svc.DecryptString(ctx, sealedManaged)
	require.NoError(t, err)
	require.Equal(t, "access-token", got)
}

func TestStaticLabelCannotBeRelabelled(t *testing.T) {
	primary := &mapKeyProvider{keys: map[int][]byte{1: make([]byte, 32)}, err: ErrKeyServiceUnavailable}
	svc := NewService(NewFallbackKeyProvider(primary, NewStaticKeyProvider("fallback-master"), zap.NewNop()), 1)

	ciphertext, _, err := svc.EncryptString(context.Background(), "token")
	require.NoError(t, err)
	primary.err = nil

	_, err = svc.Decrypt(context.Background(), "v"+strings.TrimPrefix(ciphertext, "s"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestCachedKeyProvider(t *testing.T) {
	primary := &mapKeyProvider{keys: map[int][]byte{1: make([]byte, 32)}}
	p, err := NewCachedKeyProvider(primary, time.Hour)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Key(context.Background(), 1)
	require.NoError(t, err)
	_, err = p.Key(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, primary.loads)
}

type mapKeyProvider struct {
	mu    sync.Mutex
	keys  map[int][]byte
	err   error
	loads int
}

func (m *mapKeyProvider) Key(_ context.Context, version int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	key, ok := m.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	return key, nil
}

type fakeKV struct {
	secrets map[string]*api.KVSecret
	err     error
}

func (f *fakeKV) Get(_ context.Context, path string) (*api.KVSecret, error) {
	if f.err != nil {
		return nil, f.err
	}
	secret, ok := f.secrets[path]
	if !ok {
		return nil, api.ErrSecretNotFound
	}
	return secret, nil
}
