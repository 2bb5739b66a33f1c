package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	custody = common.HexToAddress("0x000000000000000000000000000000000000b0c5")
	tokenA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestMemory_MintAndTransfer(t *testing.T) {
	m := NewMemory(tokenA, "Token A", "TKA")
	if err := m.Mint(alice, Ether(100)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if err := m.Transfer(alice, bob, Ether(40)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := m.BalanceOf(alice); got.Cmp(Ether(60)) != 0 {
		t.Errorf("alice balance = %s, want 60 ether", got)
	}
	if got := m.BalanceOf(bob); got.Cmp(Ether(40)) != 0 {
		t.Errorf("bob balance = %s, want 40 ether", got)
	}
	if got := m.TotalSupply(); got.Cmp(Ether(100)) != 0 {
		t.Errorf("total supply = %s, want 100 ether", got)
	}

	if err := m.Transfer(bob, alice, Ether(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := m.Transfer(alice, common.Address{}, Ether(1)); !errors.Is(err, ErrTransferToZero) {
		t.Errorf("expected ErrTransferToZero, got %v", err)
	}
	if err := m.Mint(common.Address{}, Ether(1)); !errors.Is(err, ErrMintToZero) {
		t.Errorf("expected ErrMintToZero, got %v", err)
	}
}

func TestMemory_TransferFrom(t *testing.T) {
	m := NewMemory(tokenA, "Token A", "TKA")
	if err := m.Mint(alice, Ether(10)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tests := []struct {
		name      string
		allowance *big.Int
		amount    *big.Int
		wantErr   error
	}{
		// balance is checked before allowance
		{"exceeds balance and allowance", big.NewInt(0), Ether(11), ErrInsufficientBalance},
		{"exceeds allowance", Ether(1), Ether(2), ErrInsufficientAllowance},
		{"within allowance", Ether(5), Ether(5), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Approve(alice, custody, tt.allowance); err != nil {
				t.Fatalf("Approve: %v", err)
			}
			err := m.TransferFrom(custody, alice, custody, tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("TransferFrom err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := m.BalanceOf(custody); got.Cmp(Ether(5)) != 0 {
		t.Errorf("custody balance = %s, want 5 ether", got)
	}
	if got := m.Allowance(alice, custody); got.Sign() != 0 {
		t.Errorf("allowance after spend = %s, want 0", got)
	}
}

func TestMemory_ZeroAndNilAmounts(t *testing.T) {
	m := NewMemory(tokenA, "Token A", "TKA")

	// no allowance was ever granted by alice
	if err := m.TransferFrom(custody, alice, bob, new(big.Int)); err != nil {
		t.Errorf("zero TransferFrom without allowance: %v", err)
	}
	if err := m.TransferFrom(custody, alice, common.Address{}, new(big.Int)); !errors.Is(err, ErrTransferToZero) {
		t.Errorf("zero TransferFrom to zero address: got %v", err)
	}

	if err := m.Mint(alice, nil); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("Mint(nil): got %v", err)
	}
	if err := m.Approve(alice, custody, nil); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("Approve(nil): got %v", err)
	}
	if err := m.Transfer(alice, bob, nil); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("Transfer(nil): got %v", err)
	}
	if err := m.TransferFrom(custody, alice, bob, nil); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("TransferFrom(nil): got %v", err)
	}
	if got := m.TotalSupply(); got.Sign() != 0 {
		t.Errorf("total supply = %s, want 0", got)
	}
}

func TestMemory_ReasonStrings(t *testing.T) {
	if ErrInsufficientBalance.Error() != "ERC20: transfer amount exceeds balance" {
		t.Errorf("balance reason = %q", ErrInsufficientBalance)
	}
	if ErrInsufficientAllowance.Error() != "ERC20: transfer amount exceeds allowance" {
		t.Errorf("allowance reason = %q", ErrInsufficientAllowance)
	}
}

func TestHandle_ActsAsBoundAccount(t *testing.T) {
	m := NewMemory(tokenA, "Token A", "TKA")
	if err := m.Mint(alice, Ether(3)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := m.Approve(alice, custody, Ether(3)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	h := m.Bind(custody)
	ctx := context.Background()

	if h.Address() != tokenA || h.Actor() != custody {
		t.Fatalf("handle address/actor = %s/%s", h.Address().Hex(), h.Actor().Hex())
	}
	if err := h.TransferFrom(ctx, alice, custody, Ether(3)); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if err := h.Transfer(ctx, bob, Ether(2)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	bal, err := h.BalanceOf(ctx, custody)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal.Cmp(Ether(1)) != 0 {
		t.Errorf("custody balance = %s, want 1 ether", bal)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.Transfer(canceled, bob, Ether(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	a := NewMemory(tokenA, "Token A", "TKA").Bind(custody)
	b := NewMemory(common.HexToAddress("0x00000000000000000000000000000000000000b2"), "Token B", "TKB").Bind(custody)
	r := NewRegistry(b, a)

	got, err := r.Asset(tokenA)
	if err != nil {
		t.Fatalf("Asset: %v", err)
	}
	if got.Address() != tokenA {
		t.Errorf("resolved %s, want %s", got.Address().Hex(), tokenA.Hex())
	}
	if _, err := r.Asset(alice); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}

	addrs := r.Addresses()
	if len(addrs) != 2 || addrs[0] != tokenA {
		t.Errorf("Addresses() = %v, want tokenA first", addrs)
	}
}
