package brokererrors

import "errors"

var (
	// network and provider
	ErrNetworkUnavailable = errors.New("identity provider unreachable")
	ErrThrottled          = errors.New("identity provider throttled the request")
	ErrProviderProtocol   = errors.New("identity provider returned a malformed response")

	// authentication outcomes
	ErrDenied   = errors.New("authentication denied")
	ErrExpired  = errors.New("credential expired")
	ErrRevoked  = errors.New("credential revoked")
	ErrDeferred = errors.New("request deadline elapsed; retry")

	// sealing
	ErrUnsealable = errors.New("sealed blob cannot be unsealed on this host")

	// task executor
	ErrPermissionDenied = errors.New("insufficient privilege for provisioning")
	ErrFilesystem       = errors.New("filesystem operation failed")

	// IPC
	ErrProtocol     = errors.New("malformed request")
	ErrUnauthorized = errors.New("calling process is not an authorized client")

	// lookup
	ErrNotFound = errors.New("entry not found")
)
