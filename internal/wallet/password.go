package wallet

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoPassword is returned when no password source yields a password
var ErrNoPassword = errors.New("no wallet password available")

// PasswordSource says where to look for the keystore password
type PasswordSource struct {
	File       string
	UseKeyring bool
	Keyring    KeyringConfig
}

// Resolve returns the password from the file if set, else from the keyring
func (s PasswordSource) Resolve() (string, error) {
	if s.File != "" {
		data, err := os.ReadFile(s.File)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if s.UseKeyring {
		pw, err := RetrievePassword(s.Keyring)
		if err != nil {
			return "", fmt.Errorf("keyring: %w", err)
		}
		if pw != "" {
			return pw, nil
		}
	}
	return "", ErrNoPassword
}

// Open resolves the password and decrypts the keystore at path
func Open(path string, src PasswordSource) (*Wallet, error) {
	pw, err := src.Resolve()
	if err != nil {
		return nil, err
	}
	return Load(path, pw)
}
