package box

import (
	"fmt"
	"math/big"

	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Apply replays a committed event into the ledger without touching any
// asset and without notifying sinks. Events must be applied in sequence
// order starting from an empty ledger.
func (l *Ledger) Apply(ev types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Seq != l.seq+1 {
		return fmt.Errorf("apply event: sequence gap, have %d got %d", l.seq, ev.Seq)
	}
	if err := l.apply(ev); err != nil {
		return fmt.Errorf("apply event %d (%s): %w", ev.Seq, ev.Kind, err)
	}
	l.seq = ev.Seq
	if l.observer != nil {
		l.observer.ObserveSupply(l.liveCount(), l.burned)
	}
	return nil
}

func (l *Ledger) apply(ev types.Event) error {
	switch ev.Kind {
	case types.EventMinted:
		return l.applyNew(ev.Unit, ev.Owner, types.NoUnit)

	case types.EventDerived:
		if _, ok := l.lookup(ev.Parent); !ok {
			return fmt.Errorf("parent %d: %w", ev.Parent, ErrNonexistent)
		}
		return l.applyNew(ev.Unit, ev.To, ev.Parent)

	case types.EventReceived:
		u, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		amount, err := positive(ev.Amount)
		if err != nil {
			return err
		}
		u.credit(ev.Asset, amount)

	case types.EventWithdrawn:
		u, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		amount, err := positive(ev.Amount)
		if err != nil {
			return err
		}
		if u.balance(ev.Asset).Cmp(amount) < 0 {
			return ErrInvalidBalance
		}
		u.debit(ev.Asset, amount)

	case types.EventUnpacked:
		u, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		u.burned = true
		u.approved = common.Address{}
		l.burned++

	case types.EventTransferredToChild:
		parent, err := l.applyTarget(ev.Parent)
		if err != nil {
			return err
		}
		child, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		if child.parent != ev.Parent {
			return ErrNotParent
		}
		amount, err := positive(ev.Amount)
		if err != nil {
			return err
		}
		if parent.balance(ev.Asset).Cmp(amount) < 0 {
			return ErrInvalidBalance
		}
		parent.debit(ev.Asset, amount)
		child.credit(ev.Asset, amount)

	case types.EventTransfer:
		u, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		u.owner = ev.To
		u.approved = common.Address{}

	case types.EventApproval:
		u, err := l.applyTarget(ev.Unit)
		if err != nil {
			return err
		}
		u.approved = ev.To

	case types.EventApprovalForAll:
		l.setOperator(ev.Owner, ev.To, ev.Approved)

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

func (l *Ledger) applyNew(id types.UnitID, owner common.Address, parent types.UnitID) error {
	if want := types.UnitID(len(l.units) + 1); id != want {
		return fmt.Errorf("unit id %d out of order, want %d", id, want)
	}
	l.appendUnit(owner, parent)
	return nil
}

func (l *Ledger) applyTarget(id types.UnitID) (*unit, error) {
	u, ok := l.lookup(id)
	if !ok {
		return nil, fmt.Errorf("unit %d: %w", id, ErrNonexistent)
	}
	return u, nil
}

func positive(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	return new(big.Int).Set(amount), nil
}
