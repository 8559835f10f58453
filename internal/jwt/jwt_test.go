package jwt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	customjwt "github.com/smallbiznis/fitlink/internal/jwt"
)

const (
	appSecret   = "fitlink-test-app-secret-0123456789"
	otherSecret = "fitlink-test-other-secret-0123456789"
)

func TestVerifierRoundTrip(t *testing.T) {
	v := customjwt.NewVerifier(appSecret, "https://fitlink.test")

	token, err := v.Sign("owner-99", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "owner-99", claims.Subject)
}

func TestVerifierRejectsForeignSecret(t *testing.T) {
	token, err := customjwt.NewVerifier(otherSecret, "https://fitlink.test").Sign("owner-99", time.Hour)
	require.NoError(t, err)

	_, err = customjwt.NewVerifier(appSecret, "https://fitlink.test").Verify(token)
	require.Error(t, err)
}

func TestVerifierRejectsExpiredAndWrongIssuer(t *testing.T) {
	v := customjwt.NewVerifier(appSecret, "https://fitlink.test")

	expired, err := v.Sign("owner-99", -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.Error(t, err)

	foreign, err := customjwt.NewVerifier(appSecret, "https://elsewhere.test").Sign("owner-99", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(foreign)
	require.Error(t, err)
}

func TestVerifierRejectsShortSecret(t *testing.T) {
	_, err := customjwt.NewVerifier("short", "").Sign("owner-99", time.Hour)
	require.Error(t, err)
}

func TestVerifierRequiresSubject(t *testing.T) {
	v := customjwt.NewVerifier(appSecret, "")
	token, err := v.Sign("", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, customjwt.ErrMissingSubject)
}
