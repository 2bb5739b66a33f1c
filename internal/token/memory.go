// Package token provides the fungible assets boxes escrow: an in-memory
// ERC20 ledger and an adapter for ERC20 contracts on chain.
package token

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ERC20 rejection reasons, worded as OpenZeppelin words them
var (
	ErrInsufficientBalance   = errors.New("ERC20: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("ERC20: transfer amount exceeds allowance")
	ErrTransferFromZero      = errors.New("ERC20: transfer from the zero address")
	ErrTransferToZero        = errors.New("ERC20: transfer to the zero address")
	ErrApproveToZero         = errors.New("ERC20: approve to the zero address")
	ErrMintToZero            = errors.New("ERC20: mint to the zero address")
	ErrNegativeAmount        = errors.New("ERC20: negative amount")
)

// Memory is an ERC20 ledger held in memory
type Memory struct {
	address  common.Address
	name     string
	symbol   string
	decimals uint8

	mu          sync.RWMutex
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	totalSupply *big.Int
}

// NewMemory creates an empty 18-decimal token living at address
func NewMemory(address common.Address, name, symbol string) *Memory {
	return &Memory{
		address:     address,
		name:        name,
		symbol:      symbol,
		decimals:    18,
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
		totalSupply: new(big.Int),
	}
}

func (m *Memory) Address() common.Address { return m.address }
func (m *Memory) Name() string            { return m.name }
func (m *Memory) Symbol() string          { return m.symbol }
func (m *Memory) Decimals() uint8         { return m.decimals }

// TotalSupply returns the minted supply
func (m *Memory) TotalSupply() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.totalSupply)
}

// Mint creates amount new tokens for to
func (m *Memory) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrMintToZero
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(to, amount)
	m.totalSupply.Add(m.totalSupply, amount)
	return nil
}

// BalanceOf returns the balance of account
func (m *Memory) BalanceOf(account common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Allowance returns how much spender may still move on owner's behalf
func (m *Memory) Allowance(owner, spender common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.allowance(owner, spender))
}

func (m *Memory) allowance(owner, spender common.Address) *big.Int {
	if a, ok := m.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

// Approve sets spender's allowance over owner's tokens
func (m *Memory) Approve(owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrApproveToZero
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byOwner, ok := m.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		m.allowances[owner] = byOwner
	}
	byOwner[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from from to to
func (m *Memory) Transfer(from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfer(from, to, amount)
}

// TransferFrom moves amount from from to to using spender's allowance.
// The balance is checked before the allowance.
func (m *Memory) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTransfer(from, to, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	allowance := m.allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	m.allowances[from][spender] = new(big.Int).Sub(allowance, amount)
	return m.transfer(from, to, amount)
}

func (m *Memory) checkTransfer(from, to common.Address, amount *big.Int) error {
	switch {
	case from == (common.Address{}):
		return ErrTransferFromZero
	case to == (common.Address{}):
		return ErrTransferToZero
	case amount == nil || amount.Sign() < 0:
		return ErrNegativeAmount
	}
	if b, ok := m.balances[from]; amount.Sign() > 0 && (!ok || b.Cmp(amount) < 0) {
		return ErrInsufficientBalance
	}
	return nil
}

func (m *Memory) transfer(from, to common.Address, amount *big.Int) error {
	if err := m.checkTransfer(from, to, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.balances[from].Sub(m.balances[from], amount)
	m.credit(to, amount)
	return nil
}

func (m *Memory) credit(to common.Address, amount *big.Int) {
	b, ok := m.balances[to]
	if !ok {
		b = new(big.Int)
		m.balances[to] = b
	}
	b.Add(b, amount)
}

// Bind returns a handle that acts on the token as actor
func (m *Memory) Bind(actor common.Address) *Handle {
	return &Handle{token: m, actor: actor}
}

// Handle is a Memory token seen from one account. It satisfies box.Asset
// with actor as the custody address.
type Handle struct {
	token *Memory
	actor common.Address
}

func (h *Handle) Address() common.Address { return h.token.address }

// Actor returns the account the handle acts as
func (h *Handle) Actor() common.Address { return h.actor }

// TransferFrom spends the actor's allowance over from
func (h *Handle) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.token.TransferFrom(h.actor, from, to, amount)
}

// Transfer sends the actor's own tokens
func (h *Handle) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.token.Transfer(h.actor, to, amount)
}

func (h *Handle) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.token.BalanceOf(account), nil
}
