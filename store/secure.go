package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrBadCiphertext is returned when a stored value fails authenticated
// decryption, which means it was tampered with or written by a different key.
var ErrBadCiphertext = errors.New("store: ciphertext authentication failed")

type encryptedStore struct {
	inner      Store
	aead       cipher.AEAD
	namespaces []string
}

var _ Store = (*encryptedStore)(nil)

// NewEncrypted wraps inner so that values stored under any of the given
// key-prefix namespaces are encrypted with AES-256-GCM. Keys themselves are
// stored in the clear so prefix invalidation keeps working. The key must
// be 32 bytes. With no namespaces, every value is encrypted.
func NewEncrypted(inner Store, key []byte, namespaces ...string) (Store, error) {
	if len(key) != 32 {
		return nil, errors.Newf("store: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "store: cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "store: gcm")
	}
	return &encryptedStore{inner: inner, aead: aead, namespaces: namespaces}, nil
}

func (s *encryptedStore) protected(key string) bool {
	if len(s.namespaces) == 0 {
		return true
	}
	for _, ns := range s.namespaces {
		if strings.HasPrefix(key, ns) {
			return true
		}
	}
	return false
}

// seal produces nonce || ciphertext. The key is bound in as associated data
// so a value cannot be replayed under a different key.
func (s *encryptedStore) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "store: nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *encryptedStore) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrBadCiphertext
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, errors.WithSecondaryError(ErrBadCiphertext, err)
	}
	return plaintext, nil
}

func (s *encryptedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := s.inner.Get(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	if !s.protected(key) {
		return value, true, nil
	}
	plaintext, err := s.open(key, value)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

func (s *encryptedStore) Set(ctx context.Context, key string, value []byte) error {
	if !s.protected(key) {
		return s.inner.Set(ctx, key, value)
	}
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *encryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *encryptedStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return s.inner.DeletePrefix(ctx, prefix)
}

func (s *encryptedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}

func (s *encryptedStore) Close() error {
	return s.inner.Close()
}
