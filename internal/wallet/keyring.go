package wallet

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/99designs/keyring"
)

const passwordKey = "wallet-password"

// KeyringConfig selects the keyring the password lives in. Zero Backends
// means the platform default.
type KeyringConfig struct {
	Service  string
	Backends []keyring.BackendType
	// FileDir and FilePassword configure the encrypted file backend
	FileDir      string
	FilePassword string
}

// StorePassword stores the wallet password in the keyring and returns the
// backend name.
func StorePassword(cfg KeyringConfig, password string) (string, error) {
	ring, backend, err := openKeyring(cfg)
	if err != nil {
		return "", err
	}
	err = ring.Set(keyring.Item{
		Key:         passwordKey,
		Data:        []byte(password),
		Label:       "encabox custody wallet password",
		Description: "Password for the encabox custody keystore",
	})
	if err != nil {
		return "", fmt.Errorf("failed to store in %s: %w", backend, err)
	}
	return backend, nil
}

// RetrievePassword returns the stored password, or "" with a nil error when
// the keyring is available but holds none.
func RetrievePassword(cfg KeyringConfig) (string, error) {
	ring, _, err := openKeyring(cfg)
	if err != nil {
		return "", err
	}
	item, err := ring.Get(passwordKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

// DeletePassword removes the stored password. Missing is not an error.
func DeletePassword(cfg KeyringConfig) error {
	ring, _, err := openKeyring(cfg)
	if err != nil {
		return err
	}
	err = ring.Remove(passwordKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func openKeyring(cfg KeyringConfig) (keyring.Keyring, string, error) {
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = platformKeyringBackends()
	}
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}
	service := cfg.Service
	if service == "" {
		service = "encabox"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    service,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		FileDir:                        cfg.FileDir,
		FilePasswordFunc:               keyring.FixedStringPrompt(cfg.FilePassword),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, backendName(backends[0]), nil
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return nil
	}
}

func backendName(b keyring.BackendType) string {
	switch b {
	case keyring.KeychainBackend:
		return "macOS Keychain"
	case keyring.SecretServiceBackend:
		return "Secret Service"
	case keyring.KWalletBackend:
		return "KDE Wallet"
	case keyring.WinCredBackend:
		return "Windows Credential Manager"
	case keyring.FileBackend:
		return "encrypted file"
	}
	return string(b)
}
