// Package pin stores the SPaylater PIN. The checkout has to type the digits, so besides a bcrypt hash
// used for verification the PIN is kept sealed with a key derived from a configured secret.
package pin

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"

	"autobuy-bot/internal/models"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrNoSecret  = errors.New("PIN secret is not configured")
	ErrCorrupted = errors.New("sealed PIN cannot be opened")
)

var pinRe = regexp.MustCompile(`^\d{6}$`)

// keySalt is fixed so the same secret always opens previously sealed PINs.
var keySalt = []byte("autobuy-bot/spaylater-pin/v1")

const nonceSize = 24

// Validate accepts exactly six digits.
func Validate(pin string) error {
	if !pinRe.MatchString(pin) {
		return &models.ValidationError{Field: "pin", Reason: "must be exactly 6 digits"}
	}
	return nil
}

// Hash returns a bcrypt hash of the PIN.
func Hash(pin string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	return string(b), err
}

// Verify compares a PIN with a hash produced by Hash.
func Verify(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

// Vault seals and opens PINs with NaCl secretbox.
type Vault struct {
	key *[32]byte
}

// NewVault derives the sealing key from secret. An empty secret returns ErrNoSecret.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	derived, err := scrypt.Key([]byte(secret), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive PIN key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &Vault{key: &key}, nil
}

// Seal encrypts a valid PIN and returns it base64 encoded.
func (v *Vault) Seal(pin string) (string, error) {
	if v == nil {
		return "", ErrNoSecret
	}
	if err := Validate(pin); err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(pin), &nonce, v.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open recovers the PIN sealed by Seal.
func (v *Vault) Open(sealed string) (string, error) {
	if v == nil {
		return "", ErrNoSecret
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupted
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, v.key)
	if !ok {
		return "", ErrCorrupted
	}
	return string(plain), nil
}
