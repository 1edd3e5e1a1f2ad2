package types

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	rc := MustRequestContext(RequestContextOptions{TenantID: "acme", ProjectID: "p1", StepID: "s1"})
	ctx := WithRequestContext(context.Background(), rc)

	got, ok := RequestContextFrom(ctx)
	if !ok {
		t.Fatalf("expected request context in ctx")
	}
	if got != rc {
		t.Fatalf("request context mismatch: %+v vs %+v", got, rc)
	}
	if _, ok := RequestContextFrom(context.Background()); ok {
		t.Fatalf("expected no request context in empty ctx")
	}
}

func TestNewRequestContext_Defaults(t *testing.T) {
	t.Parallel()

	rc, err := NewRequestContext(RequestContextOptions{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(rc.RunID(), "run_") {
		t.Fatalf("expected generated run id, got %q", rc.RunID())
	}
	if rc.TraceID() == "" {
		t.Fatalf("expected generated trace id")
	}
	if rc.Mode() != "default" {
		t.Fatalf("expected default mode, got %q", rc.Mode())
	}

	again, err := NewRequestContext(rc.Options())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != rc {
		t.Fatalf("round trip through Options changed the context")
	}
}

func TestNewRequestContext_RejectsBadTenant(t *testing.T) {
	t.Parallel()

	for _, tenant := range []string{"", "A", "Acme", "-acme", "a b", strings.Repeat("a", 70)} {
		_, err := NewRequestContext(RequestContextOptions{TenantID: tenant})
		if !IsCode(err, ErrInvalidInput) {
			t.Fatalf("tenant %q: expected INVALID_INPUT, got %v", tenant, err)
		}
	}
}

func TestProperty_TenantPattern(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tenant := rapid.StringMatching(`[a-z0-9][a-z0-9_-]{1,40}`).Draw(rt, "tenant")
		rc, err := NewRequestContext(RequestContextOptions{TenantID: tenant})
		if err != nil {
			rt.Fatalf("valid tenant %q rejected: %v", tenant, err)
		}
		if rc.Fields()["tenant_id"] != tenant {
			rt.Fatalf("tenant not propagated to fields")
		}
	})
}
