package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/labcoord/internal/state"
)

const (
	FallbackFail        = "fail"
	FallbackRestrictive = "restrictive"
)

var ErrNoEffectivePolicy = errors.New("no effective policy for tenant")

type Engine struct {
	store    state.Store
	fallback string
}

func NewEngine(store state.Store, fallback string) *Engine {
	if fallback != FallbackFail {
		fallback = FallbackRestrictive
	}
	return &Engine{store: store, fallback: fallback}
}

// ResolveEffectivePolicy picks the single policy in force for a tenant and
// grade band at the given instant: active, window contains now, highest
// priority, ties broken by most recent creation. A policy with an empty grade
// band applies to every band.
func (e *Engine) ResolveEffectivePolicy(ctx context.Context, tenantID, gradeBand string, now time.Time) (state.PolicyRecord, error) {
	policies, err := e.store.ListPoliciesByTenant(ctx, tenantID)
	if err != nil {
		return state.PolicyRecord{}, err
	}
	var best state.PolicyRecord
	found := false
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		if p.GradeBand != "" && p.GradeBand != gradeBand {
			continue
		}
		if !p.EffectiveFrom.IsZero() && now.Before(p.EffectiveFrom) {
			continue
		}
		if !p.EffectiveTo.IsZero() && now.After(p.EffectiveTo) {
			continue
		}
		if !found || p.Priority > best.Priority || (p.Priority == best.Priority && p.CreatedAt.After(best.CreatedAt)) {
			best = p
			found = true
		}
	}
	if !found {
		return state.PolicyRecord{}, fmt.Errorf("%w: tenant=%s grade_band=%s", ErrNoEffectivePolicy, tenantID, gradeBand)
	}
	return best, nil
}

// ResolveForDispatch applies the configured fallback when no policy matches.
// With the restrictive fallback, dispatch proceeds under RestrictiveDefault;
// with the fail fallback, the resolution error propagates and dispatch aborts.
func (e *Engine) ResolveForDispatch(ctx context.Context, tenantID, gradeBand string, now time.Time) (state.PolicyRecord, error) {
	p, err := e.ResolveEffectivePolicy(ctx, tenantID, gradeBand, now)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, ErrNoEffectivePolicy) && e.fallback == FallbackRestrictive {
		return RestrictiveDefault(tenantID), nil
	}
	return state.PolicyRecord{}, err
}

// RestrictiveDefault is the built-in policy applied when a tenant has no
// effective policy record: minimal quotas and no packages allowed.
func RestrictiveDefault(tenantID string) state.PolicyRecord {
	return state.PolicyRecord{
		ID:                    "default-restrictive",
		TenantID:              tenantID,
		CPUQuota:              0.5,
		MemoryQuotaMB:         512,
		DiskQuotaMB:           512,
		NetworkKbps:           256,
		AllowedPackages:       map[string][]string{},
		BlockedPackages:       []string{"*"},
		SecuritySettings:      map[string]string{"network_isolation": "strict"},
		IdleTimeoutSeconds:    300,
		MaxSessionDurationSec: 1800,
		IsActive:              true,
	}
}

// IsPackageAllowed evaluates the package lists of a policy. A blocked match
// (exact or prefix*) always wins, even over an allow wildcard. Without an
// allow match the default is deny unless the manager's allow list contains *.
func IsPackageAllowed(policy state.PolicyRecord, manager, packageName string) bool {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return false
	}
	for _, pattern := range policy.BlockedPackages {
		if matchPattern(pattern, packageName) {
			return false
		}
	}
	for _, pattern := range policy.AllowedPackages[manager] {
		if matchPattern(pattern, packageName) {
			return true
		}
	}
	return false
}

// FilterManifest drops every requested package the policy does not allow,
// keeping manager grouping intact.
func FilterManifest(policy state.PolicyRecord, requested map[string][]string) map[string][]string {
	out := make(map[string][]string, len(requested))
	for manager, packages := range requested {
		kept := make([]string, 0, len(packages))
		for _, p := range packages {
			if IsPackageAllowed(policy, manager, p) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			out[manager] = kept
		}
	}
	return out
}

func matchPattern(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

type seedPolicy struct {
	ID                    string              `yaml:"id"`
	TenantID              string              `yaml:"tenant_id"`
	GradeBand             string              `yaml:"grade_band"`
	CPUQuota              float64             `yaml:"cpu_quota"`
	MemoryQuotaMB         int                 `yaml:"memory_quota_mb"`
	DiskQuotaMB           int                 `yaml:"disk_quota_mb"`
	NetworkKbps           int                 `yaml:"network_kbps"`
	AllowedPackages       map[string][]string `yaml:"allowed_packages"`
	BlockedPackages       []string            `yaml:"blocked_packages"`
	SecuritySettings      map[string]string   `yaml:"security_settings"`
	IdleTimeoutSeconds    int                 `yaml:"idle_timeout_seconds"`
	MaxSessionDurationSec int                 `yaml:"max_session_duration_sec"`
	Priority              int                 `yaml:"priority"`
	IsActive              *bool               `yaml:"is_active"`
	EffectiveFrom         time.Time           `yaml:"effective_from"`
	EffectiveTo           time.Time           `yaml:"effective_to"`
}

type seedFile struct {
	Policies []seedPolicy `yaml:"policies"`
}

// SeedFromFile loads policy records from a YAML file into the store. Used at
// startup when LABCOORD_POLICY_FILE is set.
func SeedFromFile(ctx context.Context, store state.Store, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read policy file: %w", err)
	}
	var cfg seedFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return 0, fmt.Errorf("parse policy file: %w", err)
	}
	count := 0
	for i, sp := range cfg.Policies {
		if strings.TrimSpace(sp.ID) == "" {
			return count, fmt.Errorf("policy %d: id is required", i)
		}
		active := true
		if sp.IsActive != nil {
			active = *sp.IsActive
		}
		record := state.PolicyRecord{
			ID:                    sp.ID,
			TenantID:              sp.TenantID,
			GradeBand:             sp.GradeBand,
			CPUQuota:              sp.CPUQuota,
			MemoryQuotaMB:         sp.MemoryQuotaMB,
			DiskQuotaMB:           sp.DiskQuotaMB,
			NetworkKbps:           sp.NetworkKbps,
			AllowedPackages:       sp.AllowedPackages,
			BlockedPackages:       sp.BlockedPackages,
			SecuritySettings:      sp.SecuritySettings,
			IdleTimeoutSeconds:    sp.IdleTimeoutSeconds,
			MaxSessionDurationSec: sp.MaxSessionDurationSec,
			Priority:              sp.Priority,
			IsActive:              active,
			EffectiveFrom:         sp.EffectiveFrom,
			EffectiveTo:           sp.EffectiveTo,
		}
		if err := store.UpsertPolicy(ctx, record); err != nil {
			return count, fmt.Errorf("seed policy %s: %w", sp.ID, err)
		}
		count++
	}
	return count, nil
}
