package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	m := NewManager("test-secret", "cloakroom", 0)

	token, err := m.IssueAccess("user-42", "alice", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.VerifyAccess(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-42" || claims.Username != "alice" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyAccessRejectsBadTokens(t *testing.T) {
	m := NewManager("test-secret", "cloakroom", 0)
	other := NewManager("other-secret", "cloakroom", 0)

	cases := map[string]string{}

	if tok, err := other.IssueAccess("user-1", "alice", time.Minute); err == nil {
		cases["wrong secret"] = tok
	}
	if tok, err := m.IssueAccess("user-1", "alice", -time.Minute); err == nil {
		cases["expired"] = tok
	}
	if tok, err := m.UploadToken("alice"); err == nil {
		cases["wrong scope"] = tok
	}
	cases["garbage"] = "not.a.token"

	for name, tok := range cases {
		if _, err := m.VerifyAccess(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestUploadTokenRoundTrip(t *testing.T) {
	m := NewManager("test-secret", "cloakroom", time.Minute)

	token, err := m.UploadToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	username, err := m.VerifyUpload(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if username != "alice" {
		t.Fatalf("username = %q", username)
	}

	// Access tokens do not pass as upload tokens.
	access, _ := m.IssueAccess("user-1", "alice", time.Minute)
	if _, err := m.VerifyUpload(access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as upload token: %v", err)
	}
}
