package auth

import (
	"testing"

	"github.com/google/uuid"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("test-secret", 1)
	userID := uuid.New()

	token, err := svc.Generate(userID, "alice", "analyst")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("UserID = %s, want %s", claims.UserID, userID)
	}
	if claims.Username != "alice" {
		t.Errorf("Username = %s, want alice", claims.Username)
	}
	if claims.Role != "analyst" {
		t.Errorf("Role = %s, want analyst", claims.Role)
	}
}

func TestValidateRejectsBadToken(t *testing.T) {
	svc := NewJWTService("test-secret", 1)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Validate(tt.token); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	signer := NewJWTService("secret-a", 1)
	verifier := NewJWTService("secret-b", 1)

	token, err := signer.Generate(uuid.New(), "alice", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := verifier.Validate(token); err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("test-secret", -1)

	token, err := svc.Generate(uuid.New(), "alice", "admin")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := svc.Validate(token); err == nil {
		t.Error("expired token validated")
	}
}
