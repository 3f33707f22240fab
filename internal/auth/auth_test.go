package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("unit-test-secret-123", time.Hour)

	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Actor != "alice" {
		t.Fatalf("Actor = %q, want alice", claims.Actor)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := NewService("unit-test-secret-123", time.Hour)
	other := NewService("a-different-secret-456", time.Hour)

	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.ValidateToken(token); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService("unit-test-secret-123", -time.Minute)

	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(token); err != ErrTokenExpired {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}
