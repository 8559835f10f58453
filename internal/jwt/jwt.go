// Package jwt validates the bearer tokens issued to the application's own
// users. Only the subject is consumed; it is the credential owner id.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/fitlink/internal/config"
)

const leeway = 30 * time.Second

// ErrMissingSubject is returned for tokens without a subject.
var ErrMissingSubject = errors.New("jwt: subject missing")

// Verifier checks HS256 tokens signed with the shared application secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier constructs a Verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// NewVerifierFromConfig builds a Verifier from service configuration.
func NewVerifierFromConfig(cfg config.Config) *Verifier {
	return NewVerifier(cfg.AppJWTSecret, cfg.AppJWTIssuer)
}

// Sign issues a token for ownerID. Used by tooling and tests.
func (v *Verifier) Sign(ownerID string, ttl time.Duration) (string, error) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: v.secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := v.now().UTC()
	claims := gojwt.Claims{
		Subject:   ownerID,
		Issuer:    v.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := gojwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(token string) (*gojwt.Claims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	if err := parsed.Claims(v.secret, &std); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	expected := gojwt.Expected{Issuer: v.issuer, Time: v.now()}
	if err := std.ValidateWithLeeway(expected, leeway); err != nil {
		return nil, fmt.Errorf("validate claims: %w", err)
	}
	if strings.TrimSpace(std.Subject) == "" {
		return nil, ErrMissingSubject
	}
	return &std, nil
}
