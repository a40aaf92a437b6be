package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/flowrun/flowrun/pkg/schema"
)

// SealerConfig configures the AES sealer key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type SealerConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESSealer encrypts environment bindings with AES-256-GCM before they are
// persisted inside a paused execution record.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer creates a sealer with AES-256-GCM encryption.
func NewAESSealer(cfg SealerConfig) (*AESSealer, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func deriveKey(cfg SealerConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key([]byte(cfg.Passphrase), cfg.Salt, iterations, 32, sha256.New), nil
}

// Seal encrypts the bindings. The random nonce is prepended to the ciphertext.
func (s *AESSealer) Seal(env map[string]string) ([]byte, error) {
	plaintext, err := marshalEnv(env)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts bindings produced by Seal.
func (s *AESSealer) Unseal(sealed []byte) (map[string]string, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodePersistence, "sealed environment too short")
	}
	nonce := sealed[:nonceSize]
	ct := sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"environment unseal failed: %s", err.Error()).WithCause(err)
	}
	return unmarshalEnv(plaintext)
}

func marshalEnv(env map[string]string) ([]byte, error) {
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"encode environment: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

func unmarshalEnv(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"decode environment: %s", err.Error()).WithCause(err)
	}
	return env, nil
}
