package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

const (
	rulesKeyFileName = "rules.key"
	keySize          = 32 // SQLCipher raw key
)

// FileKeyProvider keeps the rule store key hex encoded next to rules.db.
// The engine and the editor share the file, and either may be first to run.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, rulesKeyFileName),
	}
}

// GetKey reads and validates the rule store key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	raw, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule store key: %w", err)
	}
	return decodeRulesKey(raw)
}

// StoreKey publishes key under the key path. The content is written to a
// temp file and hard-linked into place, so readers never see a partial key
// and a concurrent creator loses with domain.ErrKeyExists.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	dir := filepath.Dir(p.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, rulesKeyFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	// CreateTemp opens with 0600; the link keeps that mode.
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Link(tmpPath, p.keyPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return domain.ErrKeyExists
		}
		return fmt.Errorf("failed to publish key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

func decodeRulesKey(raw []byte) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rule store key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// GenerateKey creates a new random rule store key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey returns the stored key, creating one on first use. When
// another process creates the key first, its key is adopted.
func LoadOrCreateKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	switch err := provider.StoreKey(key); {
	case errors.Is(err, domain.ErrKeyExists):
		return provider.GetKey()
	case err != nil:
		return nil, err
	}
	return key, nil
}

// Ensure FileKeyProvider implements domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
