package box

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// TxState is the outcome of a sent asset transfer
type TxState int

const (
	TxPending TxState = iota
	TxSucceeded
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PendingError is returned by an Asset when a transfer was sent but its
// outcome is not known. The ledger parks the operation instead of
// rejecting it, because the transfer may still succeed.
type PendingError struct {
	TxHash common.Hash
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s pending: %v", e.TxHash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error {
	return e.Err
}

// Settler is implemented by assets whose transfers can be left pending
type Settler interface {
	TxState(ctx context.Context, hash common.Hash) (TxState, error)
}

// Pending describes a parked operation waiting on an asset transfer
type Pending struct {
	Op     string         `json:"op"`
	Unit   types.UnitID   `json:"unit"`
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
	TxHash common.Hash    `json:"tx_hash"`
}

type pendingTx struct {
	Pending
	asset Asset
	// complete applies the operation once the transfer succeeded
	complete func(ctx context.Context)
}

// park records a sent but unconfirmed transfer and reports whether err was
// a PendingError. Caller must hold l.mu.
func (l *Ledger) park(err error, p Pending, asset Asset, complete func(ctx context.Context)) bool {
	var pe *PendingError
	if !errors.As(err, &pe) {
		return false
	}
	p.TxHash = pe.TxHash
	if p.Amount != nil {
		p.Amount = new(big.Int).Set(p.Amount)
	}
	l.pending = append(l.pending, &pendingTx{Pending: p, asset: asset, complete: complete})

	logging.Error("asset transfer pending, ledger halted until it settles",
		logging.Component("box"),
		"op", p.Op,
		logging.UnitID(p.Unit),
		logging.Address("asset", p.Asset),
		"tx", p.TxHash.Hex(),
		logging.Err(pe.Err))
	return true
}

// PendingTransfers lists the parked operations in the order they were sent
func (l *Ledger) PendingTransfers() []Pending {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Pending, 0, len(l.pending))
	for _, p := range l.pending {
		cp := p.Pending
		if cp.Amount != nil {
			cp.Amount = new(big.Int).Set(cp.Amount)
		}
		out = append(out, cp)
	}
	return out
}

// Reconcile asks each parked transfer's asset for its outcome. Succeeded
// transfers complete their operation and commit its events; failed ones are
// dropped. It returns how many remain pending. The ledger accepts mutating
// calls again once none remain.
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		still []*pendingTx
		errs  []error
	)
	for i, p := range l.pending {
		if err := ctx.Err(); err != nil {
			still = append(still, l.pending[i:]...)
			errs = append(errs, err)
			break
		}
		s, ok := p.asset.(Settler)
		if !ok {
			still = append(still, p)
			errs = append(errs, fmt.Errorf("asset %s cannot report transaction state", p.Asset.Hex()))
			continue
		}
		state, err := s.TxState(ctx, p.TxHash)
		if err != nil {
			still = append(still, p)
			errs = append(errs, fmt.Errorf("transaction %s: %w", p.TxHash.Hex(), err))
			continue
		}

		switch state {
		case TxSucceeded:
			p.complete(ctx)
			logging.Info("pending transfer settled",
				logging.Component("box"),
				"op", p.Op,
				logging.UnitID(p.Unit),
				"tx", p.TxHash.Hex())
		case TxFailed:
			logging.Warn("pending transfer failed, operation dropped",
				logging.Component("box"),
				"op", p.Op,
				logging.UnitID(p.Unit),
				"tx", p.TxHash.Hex())
		default:
			still = append(still, p)
		}
	}
	l.pending = still
	if l.observer != nil {
		l.observer.ObserveSupply(l.liveCount(), l.burned)
	}
	return len(still), errors.Join(errs...)
}
