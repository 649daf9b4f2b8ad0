package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/datapipe/api/internal/model"
)

func TestValidateRoundTrip(t *testing.T) {
	v := NewHMACKeyValidator("secret")

	key, err := GenerateKey("secret", "key-1", "tenant-a", model.RoleDeveloper, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	p, err := v.Validate(key)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.KeyID != "key-1" || p.TenantID != "tenant-a" || p.Role != model.RoleDeveloper {
		t.Errorf("principal = %+v", p)
	}
}

func TestValidateRejectsExpiredKey(t *testing.T) {
	v := NewHMACKeyValidator("secret")

	key, err := GenerateKey("secret", "key-1", "tenant-a", model.RoleAnalyst, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Validate(key); !errors.Is(err, ErrExpiredKey) {
		t.Errorf("expired key error = %v, want ErrExpiredKey", err)
	}
}

func TestValidateRejectsWrongSecretAndGarbage(t *testing.T) {
	v := NewHMACKeyValidator("secret")

	key, _ := GenerateKey("other-secret", "key-1", "tenant-a", model.RoleAdmin, time.Hour)
	if _, err := v.Validate(key); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("wrong-secret error = %v, want ErrInvalidKey", err)
	}
	if _, err := v.Validate("not-a-token"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("garbage error = %v, want ErrInvalidKey", err)
	}
}

func TestRoleGates(t *testing.T) {
	if !model.RoleAdmin.CanAdmin() || model.RoleDeveloper.CanAdmin() {
		t.Error("admin gate wrong")
	}
	if model.RoleAnalyst.CanWrite() {
		t.Error("analysts must be read-only")
	}
	if !model.RoleService.CanWrite() || !model.RoleDeveloper.CanWrite() {
		t.Error("developer/service must be able to write")
	}
}
