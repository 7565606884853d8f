package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/coinswap/pkg/helpers"
)

// KeystoreFile is the keystore file name inside the data directory.
const KeystoreFile = "wallet.seed"

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32
)

// ErrWrongPassword is returned when the keystore cannot be opened.
var ErrWrongPassword = errors.New("failed to decrypt keystore (wrong password?)")

// Keystore is the encrypted mnemonic as stored on disk. The network name is
// authenticated as associated data, so a keystore cannot be opened for a
// different network.
type Keystore struct {
	Version     int    `json:"version"`
	Network     string `json:"network"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func (k *Keystore) gcm(password string) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), k.Salt, k.Time, k.Memory, k.Parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealMnemonic encrypts a mnemonic with Argon2id + AES-256-GCM.
func SealMnemonic(mnemonic, password, network string) (*Keystore, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	ks := &Keystore{
		Version:     1,
		Network:     network,
		Salt:        make([]byte, argon2SaltLen),
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}
	if _, err := rand.Read(ks.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := ks.gcm(password)
	if err != nil {
		return nil, err
	}
	ks.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(ks.Nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ks.Ciphertext = gcm.Seal(nil, ks.Nonce, []byte(mnemonic), []byte(network))
	return ks, nil
}

// Open decrypts the mnemonic.
func (k *Keystore) Open(password string) (string, error) {
	gcm, err := k.gcm(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, k.Nonce, k.Ciphertext, []byte(k.Network))
	if err != nil {
		return "", ErrWrongPassword
	}
	defer helpers.SecureClear(plaintext)
	return string(plaintext), nil
}

// Save writes the keystore with owner-only permissions, replacing any file
// at path atomically.
func (k *Keystore) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadKeystore reads a keystore file.
func LoadKeystore(path string) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	if ks.Version != 1 {
		return nil, fmt.Errorf("unsupported keystore version %d", ks.Version)
	}
	return &ks, nil
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword requires at least 8 characters and 3 of 4 character
// classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := map[string]bool{}
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			classes["upper"] = true
		case unicode.IsLower(char):
			classes["lower"] = true
		case unicode.IsNumber(char):
			classes["number"] = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			classes["special"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
