package jwtutil

import (
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("secret", time.Hour, 42, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("expected user id 42, got %d", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Fatalf("expected username alice, got %s", claims.Username)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken("secret", time.Hour, 42, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := ParseToken("other-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestParseTokenExpired(t *testing.T) {
	token, err := GenerateToken("secret", -time.Minute, 42, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := ParseToken("secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken("secret", "not.a.token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
