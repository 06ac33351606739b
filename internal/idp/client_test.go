package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const (
	testTenant = "e3514a05-1d7b-4c7e-b9e4-37f6af6891a2"
	testOID    = "7f5ccd07-e75f-4b7b-a234-b11c52dc5f0e"
	testUPN    = "alice@contoso.com"
)

func signedTestToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"oid": testOID,
		"upn": testUPN,
		"tid": testTenant,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(Config{
		Authority:    server.URL,
		TenantID:     testTenant,
		ClientID:     "broker-client-id",
		DirectoryURL: server.URL,
	}, log.NewPrefixLogger("test"))
	return client, server
}

func TestAuthenticateInteractive(t *testing.T) {
	idToken := "" // filled below, captured by the handler closure
	mux := http.NewServeMux()
	mux.HandleFunc("/"+testTenant+tokenPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.PostForm.Get("grant_type"))
		require.Equal(t, testUPN, r.PostForm.Get("username"))
		_ = json.NewEncoder(w).Encode(TokenSet{
			AccessToken:  "at",
			RefreshToken: "rt",
			IDToken:      idToken,
			ExpiresIn:    3600,
		})
	})
	client, _ := newTestClient(t, mux)
	idToken = signedTestToken(t)

	tokens, principal, err := client.AuthenticateInteractive(context.Background(), testUPN, "hunter2")
	require.NoError(t, err)
	require.Equal(t, "rt", tokens.RefreshToken)
	require.Equal(t, testOID, principal.ObjectID)
	require.Equal(t, testUPN, principal.UPN)
	require.Equal(t, testTenant, principal.TenantID)
	require.WithinDuration(t, time.Now().Add(time.Hour), tokens.Expiry(time.Now()), time.Minute)
}

func TestAuthenticateDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+testTenant+tokenPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(oauthError{Error: "invalid_grant", ErrorDescription: "wrong password"})
	})
	client, _ := newTestClient(t, mux)

	_, _, err := client.AuthenticateInteractive(context.Background(), testUPN, "wrong")
	require.ErrorIs(t, err, brokererrors.ErrDenied)
}

func TestNetworkUnavailable(t *testing.T) {
	client, server := newTestClient(t, http.NewServeMux())
	server.Close()

	_, _, err := client.AuthenticateInteractive(context.Background(), testUPN, "hunter2")
	require.ErrorIs(t, err, brokererrors.ErrNetworkUnavailable)
}

func TestThrottled(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		mux := http.NewServeMux()
		mux.HandleFunc("/"+testTenant+tokenPath, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		client, _ := newTestClient(t, mux)

		_, _, err := client.AuthenticateInteractive(context.Background(), testUPN, "hunter2")
		require.ErrorIs(t, err, brokererrors.ErrThrottled)
	}
}

func TestDeviceCodeFlow(t *testing.T) {
	polls := 0
	idToken := ""
	mux := http.NewServeMux()
	mux.HandleFunc("/"+testTenant+deviceCodePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DeviceAuthorization{
			DeviceCode:      "dc-opaque",
			UserCode:        "HKWG7L",
			VerificationURI: "https://login.example.com/device",
			ExpiresIn:       900,
			Interval:        5,
		})
	})
	mux.HandleFunc("/"+testTenant+tokenPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "dc-opaque", r.PostForm.Get("device_code"))
		polls++
		if polls < 3 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(oauthError{Error: "authorization_pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(TokenSet{AccessToken: "at", RefreshToken: "rt", IDToken: idToken, ExpiresIn: 3600})
	})
	client, _ := newTestClient(t, mux)
	idToken = signedTestToken(t)

	ctx := context.Background()
	da, err := client.BeginDeviceCode(ctx, testUPN)
	require.NoError(t, err)
	require.Equal(t, "HKWG7L", da.UserCode)

	_, _, err = client.PollDeviceCode(ctx, da)
	require.ErrorIs(t, err, ErrAuthorizationPending)
	_, _, err = client.PollDeviceCode(ctx, da)
	require.ErrorIs(t, err, ErrAuthorizationPending)

	tokens, principal, err := client.PollDeviceCode(ctx, da)
	require.NoError(t, err)
	require.Equal(t, "rt", tokens.RefreshToken)
	require.Equal(t, testOID, principal.ObjectID)
}

func TestRefreshExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+testTenant+tokenPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(oauthError{Error: "expired_token"})
	})
	client, _ := newTestClient(t, mux)

	_, _, err := client.Refresh(context.Background(), "stale-rt")
	require.ErrorIs(t, err, brokererrors.ErrExpired)
}

func TestResolveDirectoryEntry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/users/"+testOID, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"id": "` + testOID + `",
			"userPrincipalName": "Alice@Contoso.com",
			"displayName": "Alice Liddell",
			"memberOf": [{"id": "11111111-2222-3333-4444-555555555555", "displayName": "linux-admins"}]
		}`))
	})
	client, _ := newTestClient(t, mux)

	principal := identity.Principal{ObjectID: testOID, UPN: testUPN, TenantID: testTenant}
	mapping := identity.DefaultIDMapping()
	record, groups, err := client.ResolveDirectoryEntry(context.Background(), "at", principal, mapping)
	require.NoError(t, err)
	require.Equal(t, "alice", record.Name)
	require.Equal(t, "/home/alice", record.HomeDir)
	require.Equal(t, mapping.MapID(testOID), record.UID)
	require.GreaterOrEqual(t, record.UID, mapping.Min)
	require.LessOrEqual(t, record.UID, mapping.Max)
	require.Len(t, groups, 1)
	require.Equal(t, "linux-admins", groups[0].Name)
	require.Equal(t, []string{"alice"}, groups[0].Members)
}
