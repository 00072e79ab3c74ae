package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	creatorKey      contextKey = "creator"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetCreator records the authenticated key's name as the request's creator.
func SetCreator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, creatorKey, name)
}

// GetCreator returns the name recorded by SetCreator.
func GetCreator(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(creatorKey).(string)
	return name, ok && name != ""
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
