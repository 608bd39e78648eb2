package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatmesh/chatmesh/pkg/cache"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

// Resolved is a parsed published policy with its version.
type Resolved struct {
	Policy  *Policy
	Version int
}

// Versions reads published policy rows; implemented by store.PolicyStore.
type Versions interface {
	GetPublished(ctx context.Context, tenantID string) (*models.PolicyVersion, error)
}

// Resolver serves the published policy for a tenant through a short TTL
// cache. A tenant with no published policy resolves to the default policy at
// version 0. Publish handlers call Invalidate so the new version takes
// effect ahead of the TTL.
type Resolver struct {
	versions Versions
	cache    *cache.TTL[*Resolved]
	logger   *slog.Logger
}

// NewResolver creates a Resolver with the given cache TTL.
func NewResolver(versions Versions, ttl time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		versions: versions,
		cache:    cache.NewTTL[*Resolved](ttl),
		logger:   logger,
	}
}

// Resolve returns the tenant's effective policy.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Resolved, error) {
	if cached, ok := r.cache.Get(tenantID); ok {
		return cached, nil
	}

	pv, err := r.versions.GetPublished(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		resolved := &Resolved{Policy: Default(), Version: 0}
		r.cache.Set(tenantID, resolved)
		return resolved, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy: %w", err)
	}

	p, err := Parse(pv.PolicyJSON)
	if err != nil {
		// A published row that no longer parses means a bad migration or
		// manual edit; serve the default rather than fail every message.
		r.logger.Error("Published policy failed to parse, serving default",
			"tenant_id", tenantID, "version", pv.Version, "error", err)
		resolved := &Resolved{Policy: Default(), Version: 0}
		r.cache.Set(tenantID, resolved)
		return resolved, nil
	}

	resolved := &Resolved{Policy: p, Version: pv.Version}
	r.cache.Set(tenantID, resolved)
	return resolved, nil
}

// Invalidate drops the tenant's cached policy.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Invalidate(tenantID)
}
