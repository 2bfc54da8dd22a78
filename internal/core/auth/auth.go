// Package auth provides HMAC-based API key authentication for the gRPC and
// HTTP transports.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// APIKeyHeader carries the key in HTTP headers and gRPC metadata.
const APIKeyHeader = "x-api-key"

type contextKey string

const tenantIDKey = contextKey("tenant_id")

// lastUsedThrottle limits last_used_at writes to one per key per minute.
const lastUsedThrottle = time.Minute

// Queries is the named-query surface authentication needs. Implemented by *db.Queries.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// KeyStore persists issued keys. Implemented by *db.Store.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, tenantID, name, secretID string, keyHash []byte) (string, error)
}

// Authenticator validates API keys using HMAC-SHA256 hashes.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator over secrets (secret_id -> secret).
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     time.Now,
	}
}

// Authenticate validates apiKey and returns the tenant it belongs to.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var row struct {
		APIKeyID   string       `db:"api_key_id"`
		TenantID   string       `db:"tenant_id"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
	}
	err = a.queries.Get(ctx, "get-api-key-by-hash", &row, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if row.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	now := a.now().UTC()
	if !row.LastUsedAt.Valid || now.Sub(row.LastUsedAt.Time) > lastUsedThrottle {
		if _, err := a.queries.Exec(ctx, "update-last-used", now, row.APIKeyID); err != nil {
			zap.S().Warnw("failed to update api key last use", "api_key_id", row.APIKeyID, "error", err)
		}
	}

	return row.TenantID, nil
}

// IssueKey generates a key for tenantID, stores its hash and returns the key
// (shown once) and its row id. secretID may be empty when exactly one secret
// is configured.
func (a *Authenticator) IssueKey(ctx context.Context, store KeyStore, secretID, tenantID, name string) (apiKey, apiKeyID string, err error) {
	if tenantID == "" {
		return "", "", errors.New("tenant id is required")
	}
	if secretID == "" {
		ids := a.SecretIDs()
		if len(ids) != 1 {
			return "", "", fmt.Errorf("choose a secret id, %d configured", len(ids))
		}
		secretID = ids[0]
	}
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", "", ErrUnknownKey
	}

	apiKey, err = GenerateAPIKey(secretID)
	if err != nil {
		return "", "", err
	}
	apiKeyID, err = store.CreateAPIKey(ctx, tenantID, name, secretID, ComputeHMAC(secret, apiKey))
	if err != nil {
		return "", "", err
	}
	return apiKey, apiKeyID, nil
}

// SecretIDs returns the configured secret ids in sorted order.
func (a *Authenticator) SecretIDs() []string {
	ids := make([]string, 0, len(a.secrets))
	for id := range a.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// grpcCode maps authentication errors to gRPC status codes.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return codes.PermissionDenied
	case errors.Is(err, ErrUnavailable):
		return codes.Unavailable
	default:
		return codes.Unauthenticated
	}
}

// UnaryInterceptor authenticates every call except those to the methods in
// skip (full method names, e.g. the health service).
func (a *Authenticator) UnaryInterceptor(skip ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, prefix := range skip {
			if strings.HasPrefix(info.FullMethod, prefix) {
				return handler(ctx, req)
			}
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		keys := md.Get(APIKeyHeader)
		if len(keys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, keys[0])
		if err != nil {
			return nil, status.Error(grpcCode(err), err.Error())
		}

		return handler(WithTenantID(ctx, tenantID), req)
	}
}

// httpStatus maps authentication errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Middleware authenticates HTTP requests by the X-API-Key header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingKey)
			return
		}

		tenantID, err := a.Authenticate(r.Context(), key)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// WithTenantID returns ctx carrying an authenticated tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext extracts the tenant ID. Returns "" if not set.
func TenantIDFromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}
