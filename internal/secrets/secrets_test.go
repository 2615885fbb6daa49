package secrets

import (
	"context"
	"testing"
)

func TestNewInMemorySecretStore(t *testing.T) {
	store := NewInMemorySecretStore()
	if store == nil {
		t.Fatal("NewInMemorySecretStore() returned nil")
	}
}

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("google-api-key", "AIza-test-123")

	value, err := store.GetSecret(ctx, "google-api-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "AIza-test-123" {
		t.Errorf("GetSecret() = %v, want AIza-test-123", value)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	_, err := store.GetSecret(ctx, "nonexistent")
	if err == nil {
		t.Error("GetSecret() should return error for nonexistent secret")
	}
}

func TestInMemorySecretStore_Overwrite(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("key", "old")
	store.SetSecret("key", "new")

	value, err := store.GetSecret(ctx, "key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "new" {
		t.Errorf("GetSecret() = %v, want new", value)
	}
}
