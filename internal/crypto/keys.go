package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/smallbiznis/fitlink/internal/metrics"
)

// StaticKeyProvider derives per-version keys from a configured master secret.
type StaticKeyProvider struct {
	master []byte
}

// NewStaticKeyProvider returns a provider deriving keys from master.
func NewStaticKeyProvider(master string) *StaticKeyProvider {
	return &StaticKeyProvider{master: []byte(master)}
}

// Key derives the key for version with HKDF-SHA256.
func (p *StaticKeyProvider) Key(_ context.Context, version int) ([]byte, error) {
	if version <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	if len(p.master) == 0 {
		return nil, fmt.Errorf("static key provider: empty master key")
	}
	h := hkdf.New(sha256.New, p.master, nil, []byte("fitlink-token-key-v"+strconv.Itoa(version)))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// KVReader is the subset of the Vault KV v2 client used to load keys.
type KVReader interface {
	Get(ctx context.Context, secretPath string) (*api.KVSecret, error)
}

// VaultKeyProvider loads keys from Vault KV v2 at "<path>/v<version>", field "key".
type VaultKeyProvider struct {
	kv   KVReader
	path string
}

// NewVaultKeyProvider wraps a KV reader.
func NewVaultKeyProvider(kv KVReader, path string) *VaultKeyProvider {
	return &VaultKeyProvider{kv: kv, path: path}
}

// NewVaultClient builds a Vault API client for the managed key service.
func NewVaultClient(addr, token string, timeout time.Duration) (*api.Client, error) {
	config := api.DefaultConfig()
	config.Address = addr
	if timeout > 0 {
		config.Timeout = timeout
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// Key fetches and decodes the key for version.
func (p *VaultKeyProvider) Key(ctx context.Context, version int) ([]byte, error) {
	secretPath := fmt.Sprintf("%s/v%d", p.path, version)
	secret, err := p.kv.Get(ctx, secretPath)
	if err != nil {
		return nil, classifyVaultError(version, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	raw, ok := secret.Data["key"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("vault key v%d: missing key field", version)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault key v%d: decode: %w", version, err)
	}
	return key, nil
}

func classifyVaultError(version int, err error) error {
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == 404 {
			return fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
		}
		if respErr.StatusCode < 500 {
			return fmt.Errorf("vault key v%d: %w", version, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrKeyServiceUnavailable, err)
}

// FallbackKeyProvider composes the managed provider with a static provider
// whose keys live in a separate "s<version>" label space. Key never falls
// back, so a managed label always resolves to the managed key. Only new
// encryptions fall back while the managed service is unreachable.
type FallbackKeyProvider struct {
	primary  KeyProvider
	fallback KeyProvider
	logger   *zap.Logger
}

// NewFallbackKeyProvider composes a managed provider with a static fallback.
func NewFallbackKeyProvider(primary, fallback KeyProvider, logger *zap.Logger) *FallbackKeyProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackKeyProvider{primary: primary, fallback: fallback, logger: logger}
}

// Key returns the managed key for version.
func (p *FallbackKeyProvider) Key(ctx context.Context, version int) ([]byte, error) {
	return p.primary.Key(ctx, version)
}

// StaticKey returns the fallback key for a ciphertext sealed during an outage.
func (p *FallbackKeyProvider) StaticKey(ctx context.Context, version int) ([]byte, error) {
	return p.fallback.Key(ctx, version)
}

// EncryptionKey returns the managed key, or the fallback key while the
// managed service is unreachable. static reports which one was returned.
func (p *FallbackKeyProvider) EncryptionKey(ctx context.Context, version int) (key []byte, static bool, err error) {
	key, err = p.primary.Key(ctx, version)
	if err == nil || !errors.Is(err, ErrKeyServiceUnavailable) {
		return key, false, err
	}
	p.logger.Warn("managed key service unreachable, sealing with static fallback key",
		zap.Int("key_version", version),
		zap.Bool("security_review", true),
		zap.Error(err),
	)
	metrics.IncKeyFallback()
	key, err = p.fallback.Key(ctx, version)
	return key, true, err
}

// Close releases the managed provider's cache, if any.
func (p *FallbackKeyProvider) Close() {
	if closer, ok := p.primary.(interface{ Close() }); ok {
		closer.Close()
	}
}

// CachedKeyProvider memoizes keys for a bounded TTL.
type CachedKeyProvider struct {
	next  KeyProvider
	ttl   time.Duration
	cache *ristretto.Cache[int, []byte]
}

// NewCachedKeyProvider wraps next with a ristretto cache.
func NewCachedKeyProvider(next KeyProvider, ttl time.Duration) (*CachedKeyProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[int, []byte]{
		NumCounters:        1000,
		MaxCost:            100,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &CachedKeyProvider{next: next, ttl: ttl, cache: cache}, nil
}

// Key returns a cached key or loads it from the wrapped provider.
func (p *CachedKeyProvider) Key(ctx context.Context, version int) ([]byte, error) {
	if key, ok := p.cache.Get(version); ok {
		return key, nil
	}
	key, err := p.next.Key(ctx, version)
	if err != nil {
		return nil, err
	}
	p.cache.SetWithTTL(version, key, 1, p.ttl)
	p.cache.Wait()
	return key, nil
}

// Close releases cache resources.
func (p *CachedKeyProvider) Close() {
	p.cache.Close()
}
