package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	sealer, err := NewSealer("passphrase")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte(`{"google_api_key":"secret"}`)
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("ciphertext leaks plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %q", opened)
	}
}

func TestSealer_UniqueNonces(t *testing.T) {
	sealer, err := NewSealer("passphrase")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	a, _ := sealer.Seal([]byte("same"))
	b, _ := sealer.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("sealing the same plaintext twice must differ")
	}
}

func TestSealer_WrongKey(t *testing.T) {
	sealer, _ := NewSealer("right")
	other, _ := NewSealer("wrong")

	sealed, err := sealer.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := other.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestSealer_TamperedCiphertext(t *testing.T) {
	sealer, _ := NewSealer("passphrase")
	sealed, err := sealer.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := sealer.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestSealer_TruncatedCiphertext(t *testing.T) {
	sealer, _ := NewSealer("passphrase")
	if _, err := sealer.Open([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewSealer_EmptyPassphrase(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
