package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "firemail"
	tokenKey    = "api-token"
)

// Store persists the bearer token in the system keyring under a fixed
// service/key pair, with a file backend fallback on headless systems.
type Store struct {
	// FileDir, when set, bypasses the system keyring entirely and uses a
	// file-backed store rooted at the given directory. Used for portable
	// installs.
	FileDir string
}

func (s Store) openKeyring() (keyring.Keyring, error) {
	cfg := keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/firemail/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("firemail-file-key"),
		KeychainTrustApplication: true,
	}
	if s.FileDir != "" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		cfg.FileDir = s.FileDir
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Load returns the stored token, or "" when none is stored.
func (s Store) Load() (string, error) {
	ring, err := s.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}
	return string(item.Data), nil
}

// Save stores the token.
func (s Store) Save(token string) error {
	ring, err := s.openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: tokenKey, Data: []byte(token)}); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// Clear removes the token. Clearing an absent token is not an error.
func (s Store) Clear() error {
	ring, err := s.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return nil
}
