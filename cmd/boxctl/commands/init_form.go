package commands

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/encabox/encabox/internal/config"
)

// initAnswers holds what the interactive config init collects. Empty
// strings keep the defaults.
type initAnswers struct {
	Backend      string
	RPCURL       string
	ChainID      string
	JournalPath  string
	APIAddr      string
	EnableWrites bool
	Confirm      bool
}

func answersFrom(cfg *config.Config) initAnswers {
	return initAnswers{
		Backend:      cfg.Ledger.Backend,
		EnableWrites: cfg.API.EnableWrites,
		Confirm:      true,
	}
}

// applyInitAnswers folds the form answers into cfg and validates the result
func applyInitAnswers(cfg *config.Config, a initAnswers) error {
	if a.Backend != "" {
		cfg.Ledger.Backend = a.Backend
	}
	if a.RPCURL != "" {
		if err := validateRPCURL(a.RPCURL); err != nil {
			return err
		}
		cfg.Chain.RPCURL = a.RPCURL
	}
	if a.ChainID != "" {
		id, err := strconv.ParseInt(a.ChainID, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid chain id %q", a.ChainID)
		}
		cfg.Chain.ChainID = id
	}
	if a.JournalPath != "" {
		cfg.Journal.Path = a.JournalPath
	}
	if a.APIAddr != "" {
		if err := validateListenAddr(a.APIAddr); err != nil {
			return err
		}
		cfg.API.Addr = a.APIAddr
	}
	cfg.API.EnableWrites = a.EnableWrites
	return cfg.Validate()
}

func validateRPCURL(s string) error {
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") &&
		!strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		return fmt.Errorf("rpc url must start with http(s):// or ws(s)://")
	}
	if _, err := url.ParseRequestURI(s); err != nil {
		return fmt.Errorf("invalid rpc url: %v", err)
	}
	return nil
}

func validateListenAddr(s string) error {
	if s == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid listen address: %v", err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}

// runInitForm asks for the settings config init writes
func runInitForm(cfg *config.Config, a *initAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Ledger backend").
				Description("Where escrowed assets are held").
				Options(
					huh.NewOption("Memory - in-process balances, for trials and scenarios", config.BackendMemory),
					huh.NewOption("Chain - ERC20 transfers signed by the custody wallet", config.BackendChain),
				).
				Value(&a.Backend),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("RPC endpoint").
				Description("JSON-RPC URL of an Ethereum node").
				Placeholder(cfg.Chain.RPCURL).
				Validate(validateRPCURL).
				Value(&a.RPCURL),
			huh.NewInput().
				Title("Chain ID").
				Placeholder(strconv.FormatInt(cfg.Chain.ChainID, 10)).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if id, err := strconv.ParseInt(s, 10, 64); err != nil || id <= 0 {
						return fmt.Errorf("chain id must be a positive integer")
					}
					return nil
				}).
				Value(&a.ChainID),
		).WithHideFunc(func() bool {
			return a.Backend != config.BackendChain
		}),

		huh.NewGroup(
			huh.NewInput().
				Title("Journal file").
				Description("SQLite file the event journal is written to").
				Placeholder(cfg.Journal.Path).
				Value(&a.JournalPath),
			huh.NewInput().
				Title("API listen address").
				Placeholder(cfg.API.Addr).
				Validate(validateListenAddr).
				Value(&a.APIAddr),
			huh.NewConfirm().
				Title("Serve wallet-signed write routes?").
				Description("Lets clients mint, deposit and transfer units over HTTP").
				Affirmative("Yes").
				Negative("No").
				Value(&a.EnableWrites),
		),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Write this configuration?").
				DescriptionFunc(func() string {
					lines := []string{fmt.Sprintf("Backend: %s", a.Backend)}
					if a.Backend == config.BackendChain {
						rpc := a.RPCURL
						if rpc == "" {
							rpc = cfg.Chain.RPCURL
						}
						lines = append(lines, fmt.Sprintf("RPC:     %s", rpc))
					}
					writes := "off"
					if a.EnableWrites {
						writes = "on"
					}
					lines = append(lines, fmt.Sprintf("Writes:  %s", writes))
					return strings.Join(lines, "\n")
				}, a).
				Affirmative("Confirm").
				Negative("Cancel").
				Value(&a.Confirm),
		),
	).WithTheme(huh.ThemeBase())

	return form.Run()
}
