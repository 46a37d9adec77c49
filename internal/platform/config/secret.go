package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretResolver turns a secret://project/name[#version] reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError reports the reference that failed to resolve.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved to nothing. Error only prints
// hashed names so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	sort.Strings(out)
	return out
}

// resolveSecretFields replaces secret references in place and returns the final value of every field.
func resolveSecretFields(ctx context.Context, resolver SecretResolver, fields map[string]*string) (map[string]string, error) {
	values := make(map[string]string, len(fields))
	for name, field := range fields {
		value := strings.TrimSpace(*field)
		if ref, ok := secretReference(value); ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			resolved, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			value = strings.TrimSpace(resolved)
			*field = resolved
		}
		values[name] = value
	}
	return values, nil
}

// secretReference accepts secret:// and the older sm:// scheme, normalising to secret://.
func secretReference(value string) (string, bool) {
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; name == "" || dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
