// Package wallet loads the custody key from an encrypted keystore file.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrExists is returned when creating over an existing keystore file
var ErrExists = errors.New("keystore file already exists")

// Wallet holds a decrypted custody key
type Wallet struct {
	path    string
	address common.Address
	key     *ecdsa.PrivateKey
}

// Load decrypts the keystore file at path
func Load(path, password string) (*Wallet, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	return &Wallet{path: path, address: key.Address, key: key.PrivateKey}, nil
}

// Create generates a new key and writes it encrypted to path
func Create(path, password string, scryptN, scryptP int) (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return write(path, priv, password, scryptN, scryptP)
}

// Import encrypts an existing hex private key to path
func Import(path, privKeyHex, password string, scryptN, scryptP int) (*Wallet, error) {
	priv, err := crypto.HexToECDSA(trimHexPrefix(privKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	return write(path, priv, password, scryptN, scryptP)
}

func write(path string, priv *ecdsa.PrivateKey, password string, scryptN, scryptP int) (*Wallet, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	keyJSON, err := keystore.EncryptKey(key, password, scryptN, scryptP)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(path, keyJSON, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return &Wallet{path: path, address: key.Address, key: priv}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Address returns the custody address
func (w *Wallet) Address() common.Address {
	return w.address
}

// Path returns the keystore file path
func (w *Wallet) Path() string {
	return w.path
}

// PrivateKey returns the decrypted key, nil after Clear
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.key
}

// Clear zeroes the key in memory
func (w *Wallet) Clear() {
	if w.key != nil {
		w.key.D.SetUint64(0)
		w.key = nil
	}
}
