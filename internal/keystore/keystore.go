// Package keystore seals deposit-address secrets at rest. A key derived once
// from the operator passphrase with Argon2id encrypts every secret with
// AES-256-GCM; the keystore file keeps the KDF parameters, its salt and the
// encrypted HD mnemonic.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

var (
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")
	ErrMalformedSecret = errors.New("malformed sealed secret")
	ErrExists          = errors.New("keystore already exists")
)

const (
	version    = 1
	keyLen     = 32
	saltLen    = 32
	sealPrefix = "v1:"
)

// KDF holds the Argon2id cost parameters.
type KDF struct {
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDF follows the OWASP recommendation for Argon2id.
var DefaultKDF = KDF{Time: 3, Memory: 64 * 1024, Parallelism: 4}

// file is the on-disk layout.
type file struct {
	Version int    `json:"version"`
	KDF     KDF    `json:"kdf"`
	Salt    []byte `json:"salt"`
	// Mnemonic is sealed with the derived key, so opening it verifies the passphrase.
	Mnemonic string `json:"mnemonic"`
}

// Keystore seals and opens secrets with a passphrase-derived key.
type Keystore struct {
	aead     cipher.AEAD
	mnemonic string
}

// Create writes a new keystore holding mnemonic and returns it opened.
func Create(path, passphrase, mnemonic string, kdf KDF) (*Keystore, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, fmt.Errorf("invalid passphrase: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	ks, err := open(passphrase, salt, kdf)
	if err != nil {
		return nil, err
	}
	sealed, err := ks.Seal(mnemonic)
	if err != nil {
		return nil, err
	}
	ks.mnemonic = mnemonic

	data, err := json.MarshalIndent(file{Version: version, KDF: kdf, Salt: salt, Mnemonic: sealed}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write keystore: %w", err)
	}
	return ks, nil
}

// Load opens an existing keystore. A wrong passphrase fails here rather
// than on the first secret.
func Load(path, passphrase string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if f.Version != version {
		return nil, fmt.Errorf("unsupported keystore version %d", f.Version)
	}
	ks, err := open(passphrase, f.Salt, f.KDF)
	if err != nil {
		return nil, err
	}
	mnemonic, err := ks.Open(f.Mnemonic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	ks.mnemonic = mnemonic
	return ks, nil
}

func open(passphrase string, salt []byte, kdf KDF) (*Keystore, error) {
	if kdf.Time == 0 || kdf.Memory == 0 || kdf.Parallelism == 0 {
		kdf = DefaultKDF
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdf.Time, kdf.Memory, kdf.Parallelism, keyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Keystore{aead: gcm}, nil
}

// Mnemonic returns the HD seed phrase held by the keystore.
func (k *Keystore) Mnemonic() string {
	return k.mnemonic
}

// Seal encrypts a secret. The result is "v1:" + base64(nonce || ciphertext).
func (k *Keystore) Seal(plaintext string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed secret.
func (k *Keystore) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", ErrMalformedSecret
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil || len(raw) < k.aead.NonceSize() {
		return "", ErrMalformedSecret
	}
	nonce, ct := raw[:k.aead.NonceSize()], raw[k.aead.NonceSize():]
	plain, err := k.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", ErrWrongPassphrase)
	}
	defer SecureClear(plain)
	return string(plain), nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Passphrase limits.
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 256
)

// ValidatePassphrase requires at least 8 characters and 3 of 4 character classes.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
	}
	if len(passphrase) > MaxPassphraseLength {
		return fmt.Errorf("passphrase must be at most %d characters", MaxPassphraseLength)
	}

	var upper, lower, number, special bool
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsNumber(r):
			number = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, number, special} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return fmt.Errorf("passphrase must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
