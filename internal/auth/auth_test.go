package auth

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestPrincipalRoundTrip(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
	id := int64(3)
	ctx := WithPrincipal(context.Background(), Principal{ActorType: ActorTypeToken, AccountID: 42, TokenID: &id})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.AccountID != 42 || p.TokenID == nil || *p.TokenID != 3 {
		t.Fatalf("principal=%+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(WithPrincipal(context.Background(), Principal{})); ok {
		t.Fatalf("zero account must not count as authenticated")
	}
}

func TestExtractToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		authz  string
		apiKey string
		want   string
	}{
		{name: "bearer", authz: "Bearer gf_abc", want: "gf_abc"},
		{name: "bearer_lowercase", authz: "bearer  gf_abc ", want: "gf_abc"},
		{name: "api_key", apiKey: "gf_key", want: "gf_key"},
		{name: "bearer_wins", authz: "Bearer gf_a", apiKey: "gf_b", want: "gf_a"},
		{name: "basic_ignored", authz: "Basic Zm9v", want: ""},
		{name: "empty", want: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractToken(tc.authz, tc.apiKey); got != tc.want {
				t.Fatalf("ExtractToken=%q want %q", got, tc.want)
			}
		})
	}
}

func TestNewAPIToken(t *testing.T) {
	a, err := NewAPIToken()
	if err != nil {
		t.Fatalf("NewAPIToken: %v", err)
	}
	b, err := NewAPIToken()
	if err != nil {
		t.Fatalf("NewAPIToken: %v", err)
	}
	if a == b || !strings.HasPrefix(a, TokenPrefix) || len(a) < len(TokenPrefix)+40 {
		t.Fatalf("tokens=%q %q", a, b)
	}

	old := randReader
	randReader = bytes.NewReader(nil)
	t.Cleanup(func() { randReader = old })
	if _, err := NewAPIToken(); err == nil {
		t.Fatalf("expected error when rand is exhausted")
	}
}
