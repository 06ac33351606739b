package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/samber/lo"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
)

// AuthenticateInteractive performs the resource-owner password exchange and
// resolves the authenticated principal from the returned token claims.
func (c *Client) AuthenticateInteractive(ctx context.Context, upn, password string) (*TokenSet, *identity.Principal, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.clientID},
		"scope":      {c.scope},
		"username":   {upn},
		"password":   {password},
	}

	tokens := &TokenSet{}
	if err := c.postForm(ctx, c.endpoint(tokenPath), form, tokens); err != nil {
		return nil, nil, err
	}
	principal, err := principalFromToken(tokens, c.tenantID)
	if err != nil {
		return nil, nil, err
	}
	return tokens, principal, nil
}

// BeginDeviceCode starts the device-code flow. The caller relays UserCode
// and VerificationURI to the user and drives polling via PollDeviceCode.
func (c *Client) BeginDeviceCode(ctx context.Context, upn string) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {c.clientID},
		"scope":     {c.scope},
	}
	if upn != "" {
		form.Set("login_hint", upn)
	}

	da := &DeviceAuthorization{}
	if err := c.postForm(ctx, c.endpoint(deviceCodePath), form, da); err != nil {
		return nil, err
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		return nil, fmt.Errorf("%w: device authorization missing codes", brokererrors.ErrProviderProtocol)
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return da, nil
}

// PollDeviceCode performs a single token poll for a pending device-code
// authorization. Pacing between polls is the arbiter's responsibility.
// Returns ErrAuthorizationPending until the user completes the exchange.
func (c *Client) PollDeviceCode(ctx context.Context, da *DeviceAuthorization) (*TokenSet, *identity.Principal, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {c.clientID},
		"device_code": {da.DeviceCode},
	}

	tokens := &TokenSet{}
	if err := c.postForm(ctx, c.endpoint(tokenPath), form, tokens); err != nil {
		return nil, nil, err
	}
	principal, err := principalFromToken(tokens, c.tenantID)
	if err != nil {
		return nil, nil, err
	}
	return tokens, principal, nil
}

// Refresh redeems a refresh token for a new token set. Fails with
// ErrExpired, ErrRevoked or ErrNetworkUnavailable per the broker taxonomy.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, *identity.Principal, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"scope":         {c.scope},
		"refresh_token": {refreshToken},
	}

	tokens := &TokenSet{}
	if err := c.postForm(ctx, c.endpoint(tokenPath), form, tokens); err != nil {
		return nil, nil, err
	}
	principal, err := principalFromToken(tokens, c.tenantID)
	if err != nil {
		return nil, nil, err
	}
	return tokens, principal, nil
}

// directoryUser is the provider's wire shape for a directory user object.
type directoryUser struct {
	ID                string              `json:"id"`
	UserPrincipalName string              `json:"userPrincipalName"`
	DisplayName       string              `json:"displayName"`
	MemberOf          []directoryGroupRef `json:"memberOf"`
}

type directoryGroupRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ResolveDirectoryEntry fetches the principal's directory object and
// projects it into an NSS-style record. uid/gid are derived
// deterministically from the object id so the mapping is stable across
// hosts and restarts.
func (c *Client) ResolveDirectoryEntry(ctx context.Context, accessToken string, p identity.Principal, mapping identity.IDMapping) (*identity.DirectoryRecord, []identity.GroupRecord, error) {
	endpoint := fmt.Sprintf("%s/v1.0/users/%s?$expand=memberOf", c.directoryURL, url.PathEscape(p.ObjectID))
	var user directoryUser
	if err := c.directoryRequest(ctx, http.MethodGet, endpoint, accessToken, nil, &user); err != nil {
		if errors.Is(err, brokererrors.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: directory object %s", brokererrors.ErrNotFound, p.ObjectID)
		}
		return nil, nil, err
	}

	localName := identity.LocalName(user.UserPrincipalName)
	record := &identity.DirectoryRecord{
		Name:    localName,
		UID:     mapping.MapID(user.ID),
		GID:     mapping.MapID(user.ID),
		Gecos:   user.DisplayName,
		HomeDir: "/home/" + localName,
		Shell:   "/bin/bash",
		Groups: lo.Map(user.MemberOf, func(g directoryGroupRef, _ int) string {
			return g.DisplayName
		}),
	}

	groups := lo.Map(user.MemberOf, func(g directoryGroupRef, _ int) identity.GroupRecord {
		return identity.GroupRecord{
			Name:    g.DisplayName,
			GID:     mapping.MapID(g.ID),
			Members: []string{localName},
		}
	})

	return record, groups, nil
}
