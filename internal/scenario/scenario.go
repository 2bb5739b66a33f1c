// Package scenario runs scripted ledger sessions described in YAML: named
// accounts, in-memory tokens, and a list of steps with expectations.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/encabox/encabox/internal/token"
	"gopkg.in/yaml.v3"
)

// Actions a step may perform
const (
	ActionApprove       = "approve"
	ActionTransferToken = "transfer_token"
	ActionMint          = "mint"
	ActionDeposit       = "deposit"
	ActionUnpack        = "unpack"
	ActionDerive        = "derive"
	ActionMoveToChild   = "move_to_child"
	ActionTransferUnit  = "transfer_unit"
	ActionApproveUnit   = "approve_unit"
	ActionApproveAll    = "approve_all"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid scenario")

// Scenario is one scripted session
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Accounts    []string    `yaml:"accounts"`
	Tokens      []TokenSpec `yaml:"tokens"`
	Ledger      LedgerSpec  `yaml:"ledger"`
	Steps       []Step      `yaml:"steps"`
}

// TokenSpec declares an in-memory token and its opening balances by account
type TokenSpec struct {
	Name     string            `yaml:"name"`
	Symbol   string            `yaml:"symbol,omitempty"`
	Balances map[string]string `yaml:"balances,omitempty"`
}

// LedgerSpec configures the ledger under test
type LedgerSpec struct {
	Name          string `yaml:"name,omitempty"`
	Symbol        string `yaml:"symbol,omitempty"`
	BaseURI       string `yaml:"base_uri,omitempty"`
	MintFee       string `yaml:"mint_fee,omitempty"`
	FeeToken      string `yaml:"fee_token,omitempty"`
	ChildDeposits *bool  `yaml:"child_deposits,omitempty"`
}

// Step is one action by one actor. Unused fields are ignored by actions
// that do not need them.
type Step struct {
	Name     string `yaml:"name,omitempty"`
	Actor    string `yaml:"actor"`
	Action   string `yaml:"action"`
	Token    string `yaml:"token,omitempty"`
	Amount   string `yaml:"amount,omitempty"`
	Unit     uint64 `yaml:"unit,omitempty"`
	Child    uint64 `yaml:"child,omitempty"`
	From     string `yaml:"from,omitempty"`
	To       string `yaml:"to,omitempty"`
	Spender  string `yaml:"spender,omitempty"`
	Approved *bool  `yaml:"approved,omitempty"`
	Expect   Expect `yaml:"expect,omitempty"`
}

// Expect lists what must hold after a step. Every field is optional.
type Expect struct {
	// Revert is the exact reason the step must fail with.
	Revert string `yaml:"revert,omitempty"`
	// Unit is the id a mint or derive must return.
	Unit         uint64              `yaml:"unit,omitempty"`
	Events       []string            `yaml:"events,omitempty"`
	UnitBalance  []UnitBalance       `yaml:"unit_balance,omitempty"`
	TokenBalance []TokenBalance      `yaml:"token_balance,omitempty"`
	Owner        map[uint64]string   `yaml:"owner,omitempty"`
	Parent       map[uint64]uint64   `yaml:"parent,omitempty"`
	Children     map[uint64][]uint64 `yaml:"children,omitempty"`
	UnitsOf      map[string][]uint64 `yaml:"units_of,omitempty"`
	Assets       map[uint64][]string `yaml:"assets,omitempty"`
	URI          map[uint64]string   `yaml:"uri,omitempty"`
	Burned       []uint64            `yaml:"burned,omitempty"`
	BurnedCount  *uint64             `yaml:"burned_count,omitempty"`
}

// UnitBalance expects a unit to hold amount of token
type UnitBalance struct {
	Unit   uint64 `yaml:"unit"`
	Token  string `yaml:"token"`
	Amount string `yaml:"amount"`
}

// TokenBalance expects an account to hold amount of token
type TokenBalance struct {
	Account string `yaml:"account"`
	Token   string `yaml:"token"`
	Amount  string `yaml:"amount"`
}

// Load reads and validates every scenario document in a file
func Load(path string) ([]*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	all, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return all, nil
}

// Parse decodes and validates a stream of scenario documents separated by
// "---". Unknown fields are errors.
func Parse(data []byte) ([]*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var all []*Scenario
	for {
		var sc Scenario
		err := dec.Decode(&sc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse scenario %d: %w", len(all)+1, err)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		all = append(all, &sc)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no scenarios", ErrInvalid)
	}
	return all, nil
}

// Validate checks names and amounts without running anything
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}

	accounts := make(map[string]bool, len(sc.Accounts))
	for _, a := range sc.Accounts {
		if a == "" || isReserved(a) {
			return fmt.Errorf("%w: account name %q is reserved or empty", ErrInvalid, a)
		}
		if accounts[a] {
			return fmt.Errorf("%w: duplicate account %q", ErrInvalid, a)
		}
		accounts[a] = true
	}
	knownAccount := func(name string) bool {
		return accounts[name] || isReserved(name) || isHexAddress(name)
	}

	tokens := make(map[string]bool, len(sc.Tokens))
	for _, t := range sc.Tokens {
		if t.Name == "" {
			return fmt.Errorf("%w: token name is required", ErrInvalid)
		}
		if tokens[t.Name] {
			return fmt.Errorf("%w: duplicate token %q", ErrInvalid, t.Name)
		}
		tokens[t.Name] = true
		for holder, amount := range t.Balances {
			if !accounts[holder] {
				return fmt.Errorf("%w: token %s: unknown account %q", ErrInvalid, t.Name, holder)
			}
			if _, err := token.ParseBaseUnits(amount); err != nil {
				return fmt.Errorf("%w: token %s: %v", ErrInvalid, t.Name, err)
			}
		}
	}

	if sc.Ledger.MintFee != "" {
		if _, err := token.ParseBaseUnits(sc.Ledger.MintFee); err != nil {
			return fmt.Errorf("%w: ledger.mint_fee: %v", ErrInvalid, err)
		}
		if !tokens[sc.Ledger.FeeToken] {
			return fmt.Errorf("%w: ledger.fee_token %q is not a declared token", ErrInvalid, sc.Ledger.FeeToken)
		}
	}

	for i, st := range sc.Steps {
		if err := st.validate(knownAccount, tokens); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalid, i+1, err)
		}
	}
	return nil
}

func (st Step) validate(knownAccount func(string) bool, tokens map[string]bool) error {
	if !knownAccount(st.Actor) {
		return fmt.Errorf("unknown actor %q", st.Actor)
	}
	for _, name := range []string{st.From, st.To, st.Spender} {
		if name != "" && !knownAccount(name) {
			return fmt.Errorf("unknown account %q", name)
		}
	}

	needToken := false
	needAmount := false
	switch st.Action {
	case ActionApprove, ActionTransferToken:
		needToken, needAmount = true, true
		if st.Action == ActionTransferToken && st.To == "" {
			return fmt.Errorf("%s requires to", st.Action)
		}
	case ActionMint:
	case ActionDeposit:
		needToken, needAmount = true, true
	case ActionMoveToChild:
		needToken, needAmount = true, true
		if st.Child == 0 {
			return fmt.Errorf("%s requires child", st.Action)
		}
	case ActionUnpack:
	case ActionDerive, ActionTransferUnit, ActionApproveUnit, ActionApproveAll:
		if st.To == "" {
			return fmt.Errorf("%s requires to", st.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	if needToken && !tokens[st.Token] {
		return fmt.Errorf("%s: unknown token %q", st.Action, st.Token)
	}
	if needAmount {
		if _, err := token.ParseBaseUnits(st.Amount); err != nil {
			return fmt.Errorf("%s: %v", st.Action, err)
		}
	}

	ex := st.Expect
	for _, ub := range ex.UnitBalance {
		if !tokens[ub.Token] {
			return fmt.Errorf("unit_balance: unknown token %q", ub.Token)
		}
		if _, err := token.ParseBaseUnits(ub.Amount); err != nil {
			return fmt.Errorf("unit_balance: %v", err)
		}
	}
	for _, tb := range ex.TokenBalance {
		if !tokens[tb.Token] {
			return fmt.Errorf("token_balance: unknown token %q", tb.Token)
		}
		if !knownAccount(tb.Account) {
			return fmt.Errorf("token_balance: unknown account %q", tb.Account)
		}
		if _, err := token.ParseBaseUnits(tb.Amount); err != nil {
			return fmt.Errorf("token_balance: %v", err)
		}
	}
	for _, owner := range ex.Owner {
		if !knownAccount(owner) {
			return fmt.Errorf("owner: unknown account %q", owner)
		}
	}
	for holder := range ex.UnitsOf {
		if !knownAccount(holder) {
			return fmt.Errorf("units_of: unknown account %q", holder)
		}
	}
	for _, names := range ex.Assets {
		for _, n := range names {
			if !tokens[n] {
				return fmt.Errorf("assets: unknown token %q", n)
			}
		}
	}
	return nil
}
