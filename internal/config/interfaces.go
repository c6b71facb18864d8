package config

import "context"

// SecretProvider resolves secret pointers (SSM parameter paths in deployed
// environments) to plaintext values. The result maps each found key to its
// value; keys that could not be found are omitted.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
