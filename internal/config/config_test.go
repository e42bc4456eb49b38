package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clearance.org/internal/auth"
	"clearance.org/internal/routing"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestFromLookupDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"CLEARANCE_TOKEN_SECRET": "s"}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" || cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.ReviewerCorrections || cfg.RateBurst != 20 || cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromLookupOverridesAndErrors(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"CLEARANCE_TOKEN_SECRET":         "s",
		"CLEARANCE_TOKEN_TTL":            "15m",
		"CLEARANCE_REVIEWER_CORRECTIONS": "false",
		"CLEARANCE_GRPC_ADDR":            " ",
		"CLEARANCE_RATE_PER_SEC":         "2.5",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.TokenTTL != 15*time.Minute || cfg.ReviewerCorrections || cfg.RatePerSec != 2.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Fatalf("blank value should fall back to default, got %q", cfg.GRPCAddr)
	}

	if _, err := FromLookup(lookupFrom(map[string]string{})); err == nil {
		t.Fatalf("expected missing secret error")
	}
	_, err = FromLookup(lookupFrom(map[string]string{"CLEARANCE_TOKEN_SECRET": "s", "CLEARANCE_RATE_BURST": "lots"}))
	if err == nil || !strings.Contains(err.Error(), "CLEARANCE_RATE_BURST") {
		t.Fatalf("expected parse error naming the key, got %v", err)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("CLEARANCE_TOKEN_SECRET=from-file\nCLEARANCE_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("CLEARANCE_TOKEN_SECRET", "")
	os.Unsetenv("CLEARANCE_TOKEN_SECRET")
	t.Setenv("CLEARANCE_HTTP_ADDR", "")
	os.Unsetenv("CLEARANCE_HTTP_ADDR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenSecret != "from-file" || cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv("CLEARANCE_TOKEN_SECRET", "from-env")
	cfg, err = Load(filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("missing .env should be tolerated: %v", err)
	}
	if cfg.TokenSecret != "from-env" {
		t.Fatalf("unexpected secret %q", cfg.TokenSecret)
	}
}

func TestParsePolicy(t *testing.T) {
	doc := `
roles:
  requester: [submit_request, view_own_requests]
  reviewer: [approve_requests]
domains:
  - name: lab
    scope: department
    priority: high
  - name: sports
    scope: institution
`
	p, err := ParsePolicy(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if !p.Model.Has(auth.RoleRequester, auth.CapSubmitRequest) || p.Model.Has(auth.RoleReviewer, auth.CapRejectRequests) {
		t.Fatalf("roles not applied")
	}
	if p.Model.Has(auth.RoleAdmin, auth.CapManageIdentities) {
		t.Fatalf("admin omitted from policy should have no grants")
	}
	d, err := p.Catalog.Lookup("sports")
	if err != nil || d.Scope != routing.ScopeInstitution || d.Priority != routing.PriorityMedium {
		t.Fatalf("domain not applied: %+v %v", d, err)
	}
	if _, err := p.Catalog.Lookup("library"); err == nil {
		t.Fatalf("catalog should be replaced, not merged")
	}
}

func TestParsePolicyRejectsUnknownNames(t *testing.T) {
	for _, doc := range []string{
		"roles:\n  janitor: [submit_request]\n",
		"roles:\n  requester: [teleport]\n",
		"domains:\n  - name: lab\n    scope: planet\n",
		"colour: blue\n",
	} {
		if _, err := ParsePolicy(strings.NewReader(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestEmptyPolicyUsesDefaults(t *testing.T) {
	p, err := ParsePolicy(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.Catalog.Len() != 3 || !p.Model.Has(auth.RoleReviewer, auth.CapApproveRequests) {
		t.Fatalf("expected defaults")
	}
	p, err = LoadPolicy("")
	if err != nil || p.Model == nil {
		t.Fatalf("LoadPolicy empty path: %v", err)
	}
}
