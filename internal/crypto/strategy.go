package crypto

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/fitlink/internal/config"
)

// NewKeyProvider resolves the key retrieval strategy once from configuration.
//
// "vault" reads from the managed key service through a TTL cache and, when
// KEY_STATIC_FALLBACK is set, falls back to the static provider while Vault is
// unreachable. Fallback keys are never cached. "static" uses HKDF-derived keys only.
func NewKeyProvider(cfg config.Config, logger *zap.Logger) (KeyProvider, error) {
	switch strings.ToLower(cfg.KeyProvider) {
	case "static":
		logger.Warn("token encryption uses static key provider", zap.Bool("security_review", true))
		return NewStaticKeyProvider(cfg.KeyStaticMaster), nil
	case "vault":
		client, err := NewVaultClient(cfg.VaultAddr, cfg.VaultToken, cfg.VaultTimeout)
		if err != nil {
			return nil, err
		}
		managed, err := NewCachedKeyProvider(NewVaultKeyProvider(client.KVv2(cfg.VaultMount), cfg.VaultKeyPath), cfg.KeyCacheTTL)
		if err != nil {
			return nil, err
		}
		if !cfg.KeyStaticFallback {
			return managed, nil
		}
		return NewFallbackKeyProvider(managed, NewStaticKeyProvider(cfg.KeyStaticMaster), logger), nil
	default:
		return nil, fmt.Errorf("unsupported key provider %q", cfg.KeyProvider)
	}
}
