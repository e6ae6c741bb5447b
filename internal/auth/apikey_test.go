package auth

import (
	"net/http/httptest"
	"testing"
)

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("abc", "pepper")
	b := HashAPIKey("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashAPIKey("abc", "other") == a {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if a == b || len(a) != 43 {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                   "",
		"Bearer abc":         "abc",
		"bearer  abc ":       "abc",
		"Basic dXNlcjpwdw==": "",
		"Bearer":             "",
	}
	for header, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := BearerToken(r); got != want {
			t.Fatalf("BearerToken(%q): got %q, want %q", header, got, want)
		}
	}
}

func TestAdminTokenMatches(t *testing.T) {
	t.Parallel()

	if !AdminTokenMatches("secret", "secret") {
		t.Fatal("expected match")
	}
	if AdminTokenMatches("secret", "Secret") {
		t.Fatal("expected mismatch")
	}
	if AdminTokenMatches("", "") {
		t.Fatal("empty admin token must never match")
	}
}
