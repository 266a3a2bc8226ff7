package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/labcoord/internal/state"
)

func seedPolicyRecord(t *testing.T, store state.Store, p state.PolicyRecord) {
	t.Helper()
	if err := store.UpsertPolicy(context.Background(), p); err != nil {
		t.Fatalf("seed policy %s: %v", p.ID, err)
	}
}

func TestResolveEffectivePolicyPicksHighestPriority(t *testing.T) {
	store := state.NewMemoryStore()
	e := NewEngine(store, FallbackFail)
	now := time.Now().UTC()

	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "low", TenantID: "t1", GradeBand: "ms", Priority: 1, IsActive: true, CreatedAt: now.Add(-time.Hour),
	})
	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "high", TenantID: "t1", GradeBand: "ms", Priority: 5, IsActive: true, CreatedAt: now.Add(-2 * time.Hour),
	})
	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "inactive", TenantID: "t1", GradeBand: "ms", Priority: 9, IsActive: false, CreatedAt: now,
	})
	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "expired", TenantID: "t1", GradeBand: "ms", Priority: 9, IsActive: true,
		EffectiveTo: now.Add(-time.Minute), CreatedAt: now,
	})

	got, err := e.ResolveEffectivePolicy(context.Background(), "t1", "ms", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "high" {
		t.Fatalf("resolved %s, want high", got.ID)
	}
}

func TestResolveEffectivePolicyTieBreaksByCreation(t *testing.T) {
	store := state.NewMemoryStore()
	e := NewEngine(store, FallbackFail)
	now := time.Now().UTC()

	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "older", TenantID: "t1", Priority: 3, IsActive: true, CreatedAt: now.Add(-time.Hour),
	})
	seedPolicyRecord(t, store, state.PolicyRecord{
		ID: "newer", TenantID: "t1", Priority: 3, IsActive: true, CreatedAt: now.Add(-time.Minute),
	})

	got, err := e.ResolveEffectivePolicy(context.Background(), "t1", "any", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "newer" {
		t.Fatalf("resolved %s, want newer", got.ID)
	}
}

func TestResolveForDispatchFallback(t *testing.T) {
	store := state.NewMemoryStore()
	now := time.Now().UTC()

	strict := NewEngine(store, FallbackFail)
	if _, err := strict.ResolveForDispatch(context.Background(), "t1", "ms", now); !errors.Is(err, ErrNoEffectivePolicy) {
		t.Fatalf("fail fallback should surface ErrNoEffectivePolicy, got %v", err)
	}

	restrictive := NewEngine(store, FallbackRestrictive)
	got, err := restrictive.ResolveForDispatch(context.Background(), "t1", "ms", now)
	if err != nil {
		t.Fatalf("restrictive fallback: %v", err)
	}
	if got.ID != "default-restrictive" {
		t.Fatalf("fallback policy = %s", got.ID)
	}
	if IsPackageAllowed(got, "pip", "numpy") {
		t.Fatal("restrictive default should deny every package")
	}
}

func TestIsPackageAllowed(t *testing.T) {
	cases := []struct {
		name    string
		allowed map[string][]string
		blocked []string
		manager string
		pkg     string
		want    bool
	}{
		{"wildcard allow", map[string][]string{"pip": {"*"}}, nil, "pip", "numpy", true},
		{"blocked beats wildcard", map[string][]string{"pip": {"*"}}, []string{"numpy"}, "pip", "numpy", false},
		{"blocked prefix glob", map[string][]string{"pip": {"*"}}, []string{"torch*"}, "pip", "torchvision", false},
		{"allow prefix glob", map[string][]string{"pip": {"num*"}}, nil, "pip", "numpy", true},
		{"default deny", map[string][]string{"pip": {"pandas"}}, nil, "pip", "numpy", false},
		{"manager isolation", map[string][]string{"npm": {"*"}}, nil, "pip", "numpy", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := state.PolicyRecord{AllowedPackages: tc.allowed, BlockedPackages: tc.blocked}
			if got := IsPackageAllowed(p, tc.manager, tc.pkg); got != tc.want {
				t.Fatalf("IsPackageAllowed(%s, %s) = %v, want %v", tc.manager, tc.pkg, got, tc.want)
			}
		})
	}
}

func TestFilterManifest(t *testing.T) {
	p := state.PolicyRecord{
		AllowedPackages: map[string][]string{"pip": {"numpy", "pandas"}, "npm": {"*"}},
		BlockedPackages: []string{"left-pad"},
	}
	got := FilterManifest(p, map[string][]string{
		"pip":   {"numpy", "requests"},
		"npm":   {"express", "left-pad"},
		"conda": {"scipy"},
	})
	if len(got["pip"]) != 1 || got["pip"][0] != "numpy" {
		t.Fatalf("pip manifest = %v", got["pip"])
	}
	if len(got["npm"]) != 1 || got["npm"][0] != "express" {
		t.Fatalf("npm manifest = %v", got["npm"])
	}
	if _, ok := got["conda"]; ok {
		t.Fatal("conda packages should be dropped entirely")
	}
}

func TestSeedFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	content := `policies:
  - id: p1
    tenant_id: t1
    grade_band: hs
    cpu_quota: 2
    memory_quota_mb: 2048
    allowed_packages:
      pip: ["numpy", "pandas"]
    blocked_packages: ["torch*"]
    priority: 10
  - id: p2
    tenant_id: t1
    is_active: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	store := state.NewMemoryStore()
	n, err := SeedFromFile(context.Background(), store, path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded %d policies, want 2", n)
	}
	p1, ok, err := store.GetPolicy(context.Background(), "p1")
	if err != nil || !ok {
		t.Fatalf("get p1: ok=%v err=%v", ok, err)
	}
	if !p1.IsActive || p1.MemoryQuotaMB != 2048 {
		t.Fatalf("p1 loaded wrong: %+v", p1)
	}
	p2, _, _ := store.GetPolicy(context.Background(), "p2")
	if p2.IsActive {
		t.Fatal("p2 should be inactive")
	}
}
