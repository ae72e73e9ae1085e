// Package encryption seals cached payloads with an AEAD cipher.
//
// ChaCha20-Poly1305 is the default; AES-256-GCM is available through
// WithAlgorithm. Keys are derived from a passphrase with SHA-256.
//
//	s, err := encryption.New(passphrase)
//	sealed, err := s.Seal(payload, []byte(cacheKey))
//	payload, err := s.Open(sealed, []byte(cacheKey))
package encryption
