package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMalformed is returned by Open for input too short to hold a nonce.
var ErrMalformed = errors.New("encryption: sealed payload too short")

// Sealer encrypts and authenticates payloads. The additional data is
// authenticated but not encrypted; Open fails unless it matches the value
// given to Seal.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(sealed, additionalData []byte) ([]byte, error)
}

// Algorithm represents supported encryption algorithms.
type Algorithm string

const (
	// AlgorithmChaCha20 is ChaCha20-Poly1305 (default, fast on CPUs without AES-NI).
	AlgorithmChaCha20 Algorithm = "chacha20-poly1305"

	// AlgorithmAESGCM is AES-256-GCM.
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
)

// Option configures the sealer.
type Option func(*options)

type options struct {
	algorithm Algorithm
}

// WithAlgorithm selects the encryption algorithm (default: ChaCha20-Poly1305).
func WithAlgorithm(alg Algorithm) Option {
	return func(o *options) { o.algorithm = alg }
}

// New creates a Sealer with the given key and options.
// The key is hashed with SHA-256 to produce a 32-byte key.
func New(key string, opts ...Option) (Sealer, error) {
	if key == "" {
		return nil, errors.New("encryption: key is required")
	}
	o := &options{algorithm: AlgorithmChaCha20}
	for _, opt := range opts {
		opt(o)
	}

	keyBytes := sha256.Sum256([]byte(key))
	switch o.algorithm {
	case AlgorithmChaCha20:
		aead, err := chacha20poly1305.New(keyBytes[:])
		if err != nil {
			return nil, fmt.Errorf("create chacha20: %w", err)
		}
		return &aeadSealer{aead: aead}, nil
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(keyBytes[:])
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		return &aeadSealer{aead: gcm}, nil
	default:
		return nil, fmt.Errorf("encryption: unsupported algorithm %q", o.algorithm)
	}
}

// aeadSealer prefixes every sealed payload with a random nonce.
type aeadSealer struct {
	aead cipher.AEAD
}

func (s *aeadSealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *aeadSealer) Open(sealed, additionalData []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrMalformed
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
