package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/encabox/encabox/internal/config"
	"github.com/encabox/encabox/internal/wallet"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const minPasswordLen = 8

// NewWalletCmd creates the custody wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the custody wallet used by the chain backend",
		Long: `Manage the custody wallet boxd signs token transfers with.

The wallet is an encrypted keystore file (geth V3 format) at
wallet.keystore_file. Its password is read from wallet.password_file or,
with wallet.use_keyring, from the platform keyring.`,
	}
	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletStorePasswordCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())
	return cmd
}

func keyringConfig(cfg *config.Config) wallet.KeyringConfig {
	return wallet.KeyringConfig{Service: cfg.Wallet.KeyringService}
}

func newWalletCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new custody wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			password, err := newPrompter(cmd).newPassword()
			if err != nil {
				return err
			}
			var w *wallet.Wallet
			err = WithSpinner(cmd.OutOrStdout(), "Encrypting keystore", func() error {
				var err error
				w, err = wallet.Create(cfg.Wallet.KeystoreFile, password, keystore.StandardScryptN, keystore.StandardScryptP)
				return err
			})
			if err != nil {
				return err
			}
			defer w.Clear()
			printWallet(cmd.OutOrStdout(), w)
			offerKeyring(cmd.OutOrStdout(), cfg, password)
			return nil
		},
	}
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import a private key as the custody wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p := newPrompter(cmd)
			keyHex, err := p.secret("Enter private key (hex, with or without 0x prefix)")
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			password, err := p.newPassword()
			if err != nil {
				return err
			}
			var w *wallet.Wallet
			err = WithSpinner(cmd.OutOrStdout(), "Encrypting keystore", func() error {
				var err error
				w, err = wallet.Import(cfg.Wallet.KeystoreFile, keyHex, password, keystore.StandardScryptN, keystore.StandardScryptP)
				return err
			})
			if err != nil {
				return err
			}
			defer w.Clear()
			printWallet(cmd.OutOrStdout(), w)
			offerKeyring(cmd.OutOrStdout(), cfg, password)
			return nil
		},
	}
}

func newWalletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Decrypt the keystore and show the custody address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, err := wallet.Open(cfg.Wallet.KeystoreFile, wallet.PasswordSource{
				File:       cfg.Wallet.PasswordFile,
				UseKeyring: cfg.Wallet.UseKeyring,
				Keyring:    keyringConfig(cfg),
			})
			if err != nil {
				return err
			}
			defer w.Clear()
			printWallet(cmd.OutOrStdout(), w)
			if cfg.Ledger.Custody != "" && !strings.EqualFold(cfg.Ledger.Custody, w.Address().Hex()) {
				Warning(cmd.OutOrStdout(), "ledger.custody does not match this wallet")
			}
			return nil
		},
	}
}

func newWalletStorePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store-password",
		Short: "Save the keystore password in the platform keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			password, err := newPrompter(cmd).secret("Enter wallet password")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if _, err := wallet.Load(cfg.Wallet.KeystoreFile, password); err != nil {
				return err
			}
			backend, err := wallet.StorePassword(keyringConfig(cfg), password)
			if err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "Password saved to "+backend)
			return nil
		},
	}
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the keystore password from the platform keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := wallet.DeletePassword(keyringConfig(cfg)); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "Stored password removed")
			return nil
		},
	}
}

func printWallet(w io.Writer, wal *wallet.Wallet) {
	fmt.Fprintln(w, StatusBox("Custody wallet", [][2]string{
		{"Address", wal.Address().Hex()},
		{"Keystore", wal.Path()},
	}))
}

func offerKeyring(w io.Writer, cfg *config.Config, password string) {
	if !cfg.Wallet.UseKeyring {
		Info(w, "Set wallet.password_file or enable wallet.use_keyring so boxd can unlock the wallet")
		return
	}
	backend, err := wallet.StorePassword(keyringConfig(cfg), password)
	if err != nil {
		Warning(w, "Could not store password in keyring: "+err.Error())
		return
	}
	Success(w, "Password saved to "+backend)
}

// prompter reads secrets from a terminal without echo, or line by line
// from piped input.
type prompter struct {
	in  io.Reader
	br  *bufio.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: cmd.InOrStdin(), br: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
}

func (p *prompter) secret(label string) (string, error) {
	fmt.Fprint(p.out, label+": ")
	defer fmt.Fprintln(p.out)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := p.br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *prompter) newPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		password, err := p.secret("Enter wallet password")
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLen {
			Warning(p.out, fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLen))
			continue
		}
		confirm, err := p.secret("Confirm wallet password")
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning(p.out, "Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}
