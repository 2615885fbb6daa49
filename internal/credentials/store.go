// Package credentials stores upstream credentials encrypted at rest: one
// sealed JSON blob on disk. Callers depend only on loading and saving the
// payload; cipher details live in internal/crypto.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/geminiweb/gateway/internal/crypto"
	"github.com/geminiweb/gateway/internal/domain"
)

type Store struct {
	path   string
	sealer *crypto.Sealer
}

func NewStore(path, key string) (*Store, error) {
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, &domain.ConfigurationError{Message: "CREDENTIALS_KEY is required for encrypted credential storage"}
	}
	return &Store{path: path, sealer: sealer}, nil
}

func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *Store) Save(payload map[string]string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &domain.ConfigurationError{Message: fmt.Sprintf("encode credentials: %v", err)}
	}
	sealed, err := s.sealer.Seal(raw)
	if err != nil {
		return &domain.ConfigurationError{Message: fmt.Sprintf("encrypt credentials: %v", err)}
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		return &domain.ConfigurationError{Message: fmt.Sprintf("write credentials file: %v", err)}
	}
	return nil
}

func (s *Store) Load() (map[string]string, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &domain.ConfigurationError{Message: fmt.Sprintf("read credentials file: %v", err)}
	}
	raw, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, &domain.ConfigurationError{Message: "failed to decrypt credentials (wrong key or corrupted file)"}
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.ConfigurationError{Message: "credential payload must be a JSON object of strings"}
	}
	return payload, nil
}

// APIKey loads the stored upstream API key, or "" when absent.
func (s *Store) APIKey() (string, error) {
	payload, err := s.Load()
	if err != nil {
		return "", err
	}
	return payload["google_api_key"], nil
}
