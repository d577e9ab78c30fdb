// Package envelope encrypts JSON-serializable values under a passphrase.
//
// The blob format is base64(salt || iv || ciphertext), where the key is
// PBKDF2-SHA256(passphrase, salt, 200000 iterations, 32 bytes) and the
// ciphertext is AES-256-GCM with the tag appended.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 16
	IVSize     = 12
	KeySize    = 32
	Iterations = 200000
)

var (
	// ErrDecryptionFailed is returned when authentication fails, which in
	// practice means a wrong passphrase or a tampered blob.
	ErrDecryptionFailed = errors.New("decryption failed (wrong passphrase or corrupted data)")

	// ErrMalformed is returned when the blob is not valid base64 or too short.
	ErrMalformed = errors.New("malformed envelope")

	// ErrEmptyPassphrase is returned when no passphrase was given.
	ErrEmptyPassphrase = errors.New("passphrase is empty")
)

// Encrypt serializes value to JSON and seals it with a key derived from
// passphrase. Each call uses a fresh salt and IV.
func Encrypt(value any, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrEmptyPassphrase
	}
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	buf := make([]byte, SaltSize+IVSize, SaltSize+IVSize+len(plaintext)+16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt, iv := buf[:SaltSize], buf[SaltSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(buf, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens blob with passphrase and unmarshals the JSON payload into out.
func Decrypt(blob, passphrase string, out any) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < SaltSize+IVSize+16 {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(raw))
	}
	salt := raw[:SaltSize]
	iv := raw[SaltSize : SaltSize+IVSize]
	ciphertext := raw[SaltSize+IVSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return ErrDecryptionFailed
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DeriveKey returns the AES key for passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
