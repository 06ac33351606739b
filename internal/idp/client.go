package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// ErrAuthorizationPending is returned by PollDeviceCode while the user has
// not yet completed the device-code exchange in their browser. It never
// leaves the arbiter.
var ErrAuthorizationPending = errors.New("device code authorization pending")

const (
	tokenPath      = "/oauth2/v2.0/token"
	deviceCodePath = "/oauth2/v2.0/devicecode"

	defaultScope = "openid profile offline_access"
)

// TokenSet is the result of a successful token-endpoint exchange.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// Expiry converts ExpiresIn to an absolute instant.
func (t *TokenSet) Expiry(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// DeviceAuthorization is the user-facing half of the device-code flow. The
// broker forwards UserCode and VerificationURI to the shim; DeviceCode
// stays host-side for polling.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	// Interval is the provider-mandated minimum seconds between polls.
	Interval int64  `json:"interval"`
	Message  string `json:"message"`
}

// Client is a stateless protocol client for the cloud identity provider.
// It performs no retries and holds no per-call state; retry and backoff
// policy live in the arbiter, where system-wide concurrency is visible.
type Client struct {
	authority    string
	tenantID     string
	clientID     string
	directoryURL string
	scope        string
	httpClient   *http.Client
	log          *log.PrefixLogger
}

type Config struct {
	// Authority is the base URL of the identity provider, e.g.
	// "https://login.microsoftonline.com".
	Authority string
	TenantID  string
	ClientID  string
	// DirectoryURL is the base URL of the directory (graph) service.
	DirectoryURL string
	// Scope overrides the default OAuth2 scope set when non-empty.
	Scope string
}

func NewClient(cfg Config, logger *log.PrefixLogger) *Client {
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	return &Client{
		authority:    strings.TrimSuffix(cfg.Authority, "/"),
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		directoryURL: strings.TrimSuffix(cfg.DirectoryURL, "/"),
		scope:        scope,
		// per-call deadlines come from the caller's context
		httpClient: &http.Client{},
		log:        logger,
	}
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/%s%s", c.authority, c.tenantID, path)
}

// oauthError is the standard error body of a failed token exchange.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postForm performs one token-endpoint style exchange and maps transport
// and provider errors into the broker taxonomy.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", brokererrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", brokererrors.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", brokererrors.ErrProviderProtocol, err)
		}
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned %d", brokererrors.ErrThrottled, resp.StatusCode)
	}

	var oerr oauthError
	if err := json.Unmarshal(body, &oerr); err != nil {
		return fmt.Errorf("%w: provider returned %d with undecodable body", brokererrors.ErrProviderProtocol, resp.StatusCode)
	}
	return mapOAuthError(oerr)
}

// directoryRequest performs one authenticated directory (graph) call and
// maps transport and status errors into the broker taxonomy.
func (c *Client) directoryRequest(ctx context.Context, method, endpoint, accessToken string, payload io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", brokererrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", brokererrors.ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: directory returned 404", brokererrors.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: directory returned %d", brokererrors.ErrThrottled, resp.StatusCode)
	default:
		return fmt.Errorf("%w: directory returned %d", brokererrors.ErrDenied, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding directory response: %v", brokererrors.ErrProviderProtocol, err)
	}
	return nil
}

func mapOAuthError(oerr oauthError) error {
	switch oerr.Error {
	case "authorization_pending", "slow_down":
		return ErrAuthorizationPending
	case "expired_token":
		return fmt.Errorf("%w: %s", brokererrors.ErrExpired, oerr.Error)
	case "invalid_grant":
		// the provider folds revocation, bad passwords and consumed device
		// codes into invalid_grant; the description disambiguates revocation
		if strings.Contains(oerr.ErrorDescription, "revoked") {
			return fmt.Errorf("%w: %s", brokererrors.ErrRevoked, oerr.ErrorDescription)
		}
		return fmt.Errorf("%w: %s", brokererrors.ErrDenied, oerr.Error)
	case "invalid_client", "unauthorized_client", "access_denied":
		return fmt.Errorf("%w: %s", brokererrors.ErrDenied, oerr.Error)
	case "temporarily_unavailable":
		return fmt.Errorf("%w: %s", brokererrors.ErrThrottled, oerr.Error)
	default:
		return fmt.Errorf("%w: %s", brokererrors.ErrDenied, oerr.Error)
	}
}

// principalFromToken extracts the directory identity from token claims.
// The token arrived over TLS from the configured authority; local signature
// verification is not part of the broker's trust model.
func principalFromToken(tokens *TokenSet, tenantID string) (*identity.Principal, error) {
	raw := tokens.IDToken
	if raw == "" {
		raw = tokens.AccessToken
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: token response carried no token", brokererrors.ErrProviderProtocol)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: parsing token claims: %v", brokererrors.ErrProviderProtocol, err)
	}

	p := &identity.Principal{TenantID: tenantID}
	if oid, ok := claims["oid"].(string); ok {
		p.ObjectID = oid
	}
	if upn, ok := claims["upn"].(string); ok {
		p.UPN = upn
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		p.UPN = preferred
	}
	if tid, ok := claims["tid"].(string); ok {
		p.TenantID = tid
	}
	if p.ObjectID == "" || p.UPN == "" {
		return nil, fmt.Errorf("%w: token missing oid/upn claims", brokererrors.ErrProviderProtocol)
	}
	return p, nil
}
