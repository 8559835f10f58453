package domain

import "time"

// TokenRecord is the persisted upstream credential of a single owner.
// AccessTokenEnc and RefreshTokenEnc always hold versioned ciphertext.
type TokenRecord struct {
	OwnerID         string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       time.Time
	KeyVersion      int
	LastRefreshAt   *time.Time
	LastValidatedAt *time.Time
	RefreshCount    int64
	LockExpiresAt   *time.Time
	ProviderUserID  string
	Scope           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Locked reports whether an unexpired lock stamp is present at now.
func (r TokenRecord) Locked(now time.Time) bool {
	return r.LockExpiresAt != nil && r.LockExpiresAt.After(now)
}

// TokenUpdate carries the fields written after a successful refresh.
type TokenUpdate struct {
	OwnerID         string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       time.Time
	KeyVersion      int
	Scope           string
	ProviderUserID  string
	RefreshedAt     time.Time
}

// ProviderToken is a plaintext token pair returned by the upstream provider.
// It must never be logged.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Expiry       time.Time
	Scope        string
}

// ProviderIdentity is the result of a successful identity probe.
type ProviderIdentity struct {
	UserID string
}
