package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/chain"
	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/util"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const revertPrefix = "execution reverted: "

// RevertError carries the reason string of a reverted call. Error returns
// only the reason so it reads the same as the Memory token's errors.
type RevertError struct {
	Reason string
	Err    error
}

func (e *RevertError) Error() string { return e.Reason }
func (e *RevertError) Unwrap() error { return e.Err }

// Is matches sentinel errors with the same reason, so
// errors.Is(err, ErrInsufficientBalance) works for on-chain reverts too.
func (e *RevertError) Is(target error) bool {
	return target != nil && target.Error() == e.Reason
}

func decodeRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	i := strings.Index(msg, revertPrefix)
	if i < 0 {
		return err
	}
	return util.MarkNonRetryable(&RevertError{Reason: msg[i+len(revertPrefix):], Err: err})
}

// Contract is an ERC20 deployed on chain. Writes are signed by the chain
// client's key, which is the ledger custody address.
type Contract struct {
	client   *chain.Client
	contract *bind.BoundContract
	address  common.Address
}

// NewContract binds the ERC20 at address through a connected client
func NewContract(client *chain.Client, address common.Address) (*Contract, error) {
	backend := client.Backend()
	if backend == nil {
		return nil, chain.ErrNotConnected
	}
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	return &Contract{
		client:   client,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
	}, nil
}

func (tc *Contract) Address() common.Address { return tc.address }

func (tc *Contract) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	var result []interface{}
	if err := tc.contract.Call(&bind.CallOpts{Context: ctx}, &result, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, decodeRevert(err))
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return result[0], nil
}

func (tc *Contract) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	v, err := tc.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, v)
	}
	return n, nil
}

// BalanceOf returns the token balance of account
func (tc *Contract) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return tc.callUint(ctx, "balanceOf", account)
}

// Allowance returns spender's remaining allowance over owner
func (tc *Contract) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return tc.callUint(ctx, "allowance", owner, spender)
}

// TotalSupply returns the token's total supply
func (tc *Contract) TotalSupply(ctx context.Context) (*big.Int, error) {
	return tc.callUint(ctx, "totalSupply")
}

// Symbol returns the token symbol
func (tc *Contract) Symbol(ctx context.Context) (string, error) {
	v, err := tc.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("symbol: unexpected result type %T", v)
	}
	return s, nil
}

// Decimals returns the token's decimals
func (tc *Contract) Decimals(ctx context.Context) (uint8, error) {
	v, err := tc.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result type %T", v)
	}
	return d, nil
}

// transact sends method and waits for it to be confirmed. Once the
// transaction is sent the wait ignores ctx cancellation and is bounded by
// the client's wait timeout instead; if no outcome is known by then the
// error is a *box.PendingError carrying the hash.
func (tc *Contract) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	auth, err := tc.client.Transactor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction options: %w", err)
	}

	tx, err := tc.contract.Transact(auth, method, args...)
	if err != nil {
		// the nonce was reserved but never used
		if syncErr := tc.client.SyncNonce(ctx); syncErr != nil {
			logging.Warn("nonce resync failed", logging.Component("token"), logging.Err(syncErr))
		}
		return nil, decodeRevert(err)
	}

	logging.Debug("token transaction sent",
		logging.Component("token"),
		logging.Address("token", tc.address),
		"method", method,
		"tx", tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tc.client.WaitTimeout())
	defer cancel()
	receipt, err := tc.client.Wait(waitCtx, tx)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, chain.ErrReverted):
		return receipt, fmt.Errorf("%s: %w", method, err)
	default:
		return receipt, &box.PendingError{TxHash: tx.Hash(), Err: fmt.Errorf("%s: %w", method, err)}
	}
}

// TxState reports whether a transaction sent by transact has settled. It
// implements box.Settler.
func (tc *Contract) TxState(ctx context.Context, hash common.Hash) (box.TxState, error) {
	receipt, err := tc.client.Receipt(ctx, hash)
	if err != nil {
		return box.TxPending, err
	}
	if receipt == nil {
		return box.TxPending, nil
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return box.TxFailed, nil
	}
	head, err := tc.client.BlockNumber(ctx)
	if err != nil {
		return box.TxPending, err
	}
	if head < receipt.BlockNumber.Uint64()+uint64(tc.client.Confirmations()-1) {
		return box.TxPending, nil
	}
	return box.TxSucceeded, nil
}

// Approve approves spender to move amount of the custody account's tokens
func (tc *Contract) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	_, err := tc.transact(ctx, "approve", spender, amount)
	return err
}

// Transfer sends amount from custody to to
func (tc *Contract) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	_, err := tc.transact(ctx, "transfer", to, amount)
	return err
}

// TransferFrom moves amount from from to to using custody's allowance
func (tc *Contract) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	_, err := tc.transact(ctx, "transferFrom", from, to, amount)
	return err
}
