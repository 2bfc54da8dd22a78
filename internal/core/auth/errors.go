package auth

import "errors"

// Authentication errors map onto transport status codes:
// missing/invalid keys are unauthenticated (without confirming the key exists),
// revoked keys are permission denied, store failures are unavailable.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key header")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("unknown secret ID")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyRevoked       = errors.New("API key has been revoked")
	ErrUnavailable      = errors.New("key store unavailable")
)
