// Package orgcontext carries the active organization and environment through
// request contexts. Every ledger row is scoped by both.
package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type orgKey struct{}
type envKey struct{}

const (
	EnvLive    = "live"
	EnvSandbox = "sandbox"
)

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	return context.WithValue(ctx, orgKey{}, orgID)
}

// WithEnv stores the billing environment (live or sandbox) in the context.
func WithEnv(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(orgKey{}).(type) {
	case snowflake.ID:
		return typed, true
	case int64:
		return snowflake.ID(typed), true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// EnvFromContext returns the billing environment, defaulting to live.
func EnvFromContext(ctx context.Context) string {
	if ctx == nil {
		return EnvLive
	}
	if env, ok := ctx.Value(envKey{}).(string); ok && env != "" {
		return env
	}
	return EnvLive
}
