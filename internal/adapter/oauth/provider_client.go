package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/smallbiznis/fitlink/internal/config"
	"github.com/smallbiznis/fitlink/internal/domain"
)

var (
	// ErrInvalidGrant indicates the provider rejected the refresh token itself.
	ErrInvalidGrant = errors.New("provider: refresh token rejected")
	// ErrProbeRejected indicates the identity probe did not return 200.
	ErrProbeRejected = errors.New("provider: probe rejected access token")
)

// ProviderClient encapsulates outbound calls to the fitness data provider.
type ProviderClient interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.ProviderToken, error)
	Probe(ctx context.Context, accessToken string) (*domain.ProviderIdentity, error)
}

// ProviderConfig holds the client registration and endpoints.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	ProbeURL     string
}

// ProviderConfigFromConfig maps service configuration onto ProviderConfig.
func ProviderConfigFromConfig(cfg config.Config) ProviderConfig {
	return ProviderConfig{
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		TokenURL:     cfg.ProviderTokenURL,
		ProbeURL:     cfg.ProviderProbeURL,
	}
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	cfg        ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(cfg ProviderConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: client,
	}
}

// Refresh exchanges refreshToken for a new token pair.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (*domain.ProviderToken, error) {
	if strings.TrimSpace(c.cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("refresh token missing")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status := retrieveErr.Response.StatusCode
			if retrieveErr.ErrorCode == "invalid_grant" {
				return nil, fmt.Errorf("token exchange failed: status=%d: %w", status, ErrInvalidGrant)
			}
			return nil, fmt.Errorf("token exchange failed: status=%d", status)
		}
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}

	out := &domain.ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        stringValue(tok.Extra("scope")),
		ExpiresIn:    int64Value(tok.Extra("expires_in")),
	}
	return out, nil
}

// Probe performs an authenticated GET to prove accessToken is usable.
func (c *HTTPProviderClient) Probe(ctx context.Context, accessToken string) (*domain.ProviderIdentity, error) {
	if strings.TrimSpace(c.cfg.ProbeURL) == "" {
		return nil, fmt.Errorf("probe url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ProbeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe failed: status=%d: %w", resp.StatusCode, ErrProbeRejected)
	}

	identity := &domain.ProviderIdentity{}
	var raw map[string]any
	if len(body) > 0 && json.Unmarshal(body, &raw) == nil {
		identity.UserID = stringValue(coalesce(raw["user_id"], raw["userId"], raw["id"]))
	}
	return identity, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
