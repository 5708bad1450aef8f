package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PermissionAdmin lets a caller act on tenants other than its own
const PermissionAdmin = "backup:admin"

// Caller is the identity supplied by the tenant/auth layer
type Caller struct {
	TenantID    string
	UserID      string
	Permissions []string
}

// HasPermission reports whether the caller holds perm
func (c Caller) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller attaches the caller identity to ctx
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller identity, if any
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}

// ResolveTenant returns the tenant an operation acts on. An empty request
// falls back to the caller's tenant; acting on another tenant needs PermissionAdmin.
// Contexts without a caller are trusted internal callers (scheduler, workers).
func ResolveTenant(ctx context.Context, requested string) (string, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		if requested == "" {
			return "", NewValidationError("tenant id is required", nil)
		}
		return requested, nil
	}

	if requested == "" || requested == caller.TenantID {
		if caller.TenantID == "" {
			return "", NewValidationError("tenant id is required", nil)
		}
		return caller.TenantID, nil
	}

	if !caller.HasPermission(PermissionAdmin) {
		return "", NewPermissionError(
			fmt.Sprintf("caller of tenant %s may not act on tenant %s", caller.TenantID, requested), nil)
	}
	return requested, nil
}

// CallerIdentity returns the user id to record as creator
func CallerIdentity(ctx context.Context) string {
	if caller, ok := CallerFromContext(ctx); ok && caller.UserID != "" {
		return caller.UserID
	}
	return "system"
}

// TenantLister enumerates active tenants for the fixed backup sweeps
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]string, error)
}

// StaticTenantLister serves a configured tenant list
type StaticTenantLister struct {
	mu      sync.RWMutex
	tenants []string
}

// NewStaticTenantLister creates a lister over the given tenants
func NewStaticTenantLister(tenants ...string) *StaticTenantLister {
	l := &StaticTenantLister{}
	l.Set(tenants)
	return l
}

// Set replaces the tenant list
func (l *StaticTenantLister) Set(tenants []string) {
	seen := make(map[string]bool, len(tenants))
	unique := make([]string, 0, len(tenants))
	for _, t := range tenants {
		if t != "" && !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	sort.Strings(unique)

	l.mu.Lock()
	l.tenants = unique
	l.mu.Unlock()
}

// ListActiveTenants implements TenantLister
func (l *StaticTenantLister) ListActiveTenants(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.tenants...), nil
}
