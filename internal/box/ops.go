package box

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Operation names used in rejections, logs and metrics
const (
	OpMint              = "mint"
	OpDeposit           = "deposit"
	OpWithdrawAll       = "unpack"
	OpDeriveChild       = "derive"
	OpTransferToChild   = "move_to_child"
	OpTransferFrom      = "transfer_unit"
	OpApprove           = "approve"
	OpSetApprovalForAll = "approve_all"
)

func (l *Ledger) resolve(op string, id types.UnitID, addr common.Address) (Asset, error) {
	if l.assets == nil {
		return nil, reject(op, id, ErrUnknownAsset)
	}
	a, err := l.assets.Asset(addr)
	if err != nil {
		return nil, reject(op, id, fmt.Errorf("%w %s: %v", ErrUnknownAsset, addr.Hex(), err))
	}
	return a, nil
}

// chargeFee pulls the mint fee from payer into custody. complete runs the
// rest of the operation if the fee transfer is left pending and later
// succeeds. Caller must hold l.mu.
func (l *Ledger) chargeFee(ctx context.Context, op string, id types.UnitID, payer common.Address, complete func(ctx context.Context)) error {
	if l.cfg.MintFee == nil || l.cfg.MintFee.Sign() == 0 {
		return nil
	}
	asset, err := l.resolve(op, id, l.cfg.FeeAsset)
	if err != nil {
		return err
	}
	if err := asset.TransferFrom(ctx, payer, l.cfg.Custody, l.cfg.MintFee); err != nil {
		if l.park(err, Pending{Op: op, Unit: id, Asset: l.cfg.FeeAsset, Amount: l.cfg.MintFee}, asset, complete) {
			return err
		}
		return reject(op, id, err)
	}
	return nil
}

// Mint creates a root unit owned by to. When a mint fee is configured it is
// pulled from caller first and kept by custody.
func (l *Ledger) Mint(ctx context.Context, caller, to common.Address) (id types.UnitID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpMint, start, err) }(time.Now())

	if err := l.guard(OpMint); err != nil {
		return types.NoUnit, err
	}
	if to == (common.Address{}) {
		return types.NoUnit, reject(OpMint, types.NoUnit, ErrMintToZero)
	}
	finish := func(ctx context.Context) types.UnitID {
		u := l.appendUnit(to, types.NoUnit)
		l.commit(ctx, types.Event{Kind: types.EventMinted, Unit: u.id, Owner: to})
		logging.Debug("unit minted", logging.Component("box"), logging.UnitID(u.id), logging.Address("owner", to))
		return u.id
	}
	if err := l.chargeFee(ctx, OpMint, types.NoUnit, caller, func(ctx context.Context) { finish(ctx) }); err != nil {
		return types.NoUnit, err
	}
	return finish(ctx), nil
}

func (l *Ledger) appendUnit(owner common.Address, parent types.UnitID) *unit {
	u := newUnit(types.UnitID(len(l.units)+1), owner, parent)
	l.units = append(l.units, u)
	if p, ok := l.lookupAny(parent); ok {
		p.children = append(p.children, u.id)
	}
	return u
}

// Deposit pulls amount of asset from caller into the unit's escrow.
// The asset's own rejection reason is returned when the pull fails.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, id types.UnitID, assetAddr common.Address, amount *big.Int) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpDeposit, start, err) }(time.Now())

	if err := l.guard(OpDeposit); err != nil {
		return err
	}
	u, ok := l.lookup(id)
	if !ok {
		return reject(OpDeposit, id, ErrNonexistent)
	}
	if u.owner != caller {
		return reject(OpDeposit, id, ErrNotOwner)
	}
	if amount == nil || amount.Sign() <= 0 {
		return reject(OpDeposit, id, ErrZeroAmount)
	}
	if u.parent != types.NoUnit && !l.cfg.ChildDeposits {
		return reject(OpDeposit, id, ErrChildDeposit)
	}

	asset, err := l.resolve(OpDeposit, id, assetAddr)
	if err != nil {
		return err
	}
	amount = new(big.Int).Set(amount)
	finish := func(ctx context.Context) {
		u.credit(assetAddr, amount)
		l.commit(ctx, types.Event{
			Kind:   types.EventReceived,
			Unit:   id,
			Owner:  caller,
			Asset:  assetAddr,
			Amount: new(big.Int).Set(amount),
		})
	}
	if err := asset.TransferFrom(ctx, caller, l.cfg.Custody, amount); err != nil {
		if l.park(err, Pending{Op: OpDeposit, Unit: id, Asset: assetAddr, Amount: amount}, asset, finish) {
			return err
		}
		return reject(OpDeposit, id, err)
	}
	finish(ctx)
	return nil
}

// descendantsHoldValue reports whether any live descendant of u holds a
// non-zero balance. Caller must hold l.mu.
func (l *Ledger) descendantsHoldValue(u *unit) bool {
	for _, cid := range u.children {
		c, ok := l.lookup(cid)
		if !ok {
			continue
		}
		if c.holdsValue() || l.descendantsHoldValue(c) {
			return true
		}
	}
	return false
}

// WithdrawAll pays every escrowed balance of the unit to recipient and burns
// it. Custody balances are checked for every asset before anything is paid.
//
// It is not all-or-nothing across assets: if a payout fails after others
// went through, the paid assets stay debited with their WithdrawnERC20
// events committed, the unit stays live holding the rest, and the error is
// returned. Calling WithdrawAll again pays out the remainder. A payout left
// pending parks the call until Reconcile settles it.
func (l *Ledger) WithdrawAll(ctx context.Context, caller common.Address, id types.UnitID, recipient common.Address) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpWithdrawAll, start, err) }(time.Now())

	if err := l.guard(OpWithdrawAll); err != nil {
		return err
	}
	u, ok := l.lookup(id)
	if !ok {
		return reject(OpWithdrawAll, id, ErrNonexistent)
	}
	if u.owner != caller {
		return reject(OpWithdrawAll, id, ErrNotOwner)
	}
	if recipient == (common.Address{}) {
		return reject(OpWithdrawAll, id, ErrTransferToZero)
	}
	if l.descendantsHoldValue(u) {
		return reject(OpWithdrawAll, id, ErrChildrenHoldValue)
	}

	type payout struct {
		asset  Asset
		addr   common.Address
		amount *big.Int
	}
	var payouts []payout
	for _, addr := range u.assets {
		amount := u.balance(addr)
		if amount.Sign() == 0 {
			continue
		}
		asset, err := l.resolve(OpWithdrawAll, id, addr)
		if err != nil {
			return err
		}
		held, err := asset.BalanceOf(ctx, l.cfg.Custody)
		if err != nil {
			return reject(OpWithdrawAll, id, err)
		}
		if held.Cmp(amount) < 0 {
			return reject(OpWithdrawAll, id, ErrInvalidBalance)
		}
		payouts = append(payouts, payout{asset: asset, addr: addr, amount: new(big.Int).Set(amount)})
	}

	for _, p := range payouts {
		paid := func(ctx context.Context) {
			u.debit(p.addr, p.amount)
			l.commit(ctx, types.Event{
				Kind:   types.EventWithdrawn,
				Unit:   id,
				To:     recipient,
				Asset:  p.addr,
				Amount: p.amount,
			})
		}
		if err := p.asset.Transfer(ctx, recipient, p.amount); err != nil {
			if l.park(err, Pending{Op: OpWithdrawAll, Unit: id, Asset: p.addr, Amount: p.amount}, p.asset, paid) {
				return err
			}
			logging.Error("unpack payout failed",
				logging.Component("box"),
				logging.UnitID(id),
				logging.Address("asset", p.addr),
				logging.Err(err))
			return reject(OpWithdrawAll, id, err)
		}
		paid(ctx)
	}

	u.burned = true
	u.approved = common.Address{}
	l.burned++
	l.commit(ctx, types.Event{Kind: types.EventUnpacked, Unit: id, Owner: caller, To: recipient})

	logging.Audit(logging.AuditEvent{
		Operation: "unit_unpacked",
		Actor:     caller.Hex(),
		Target:    id.String(),
		Result:    "success",
		Details:   fmt.Sprintf("recipient=%s assets=%d", recipient.Hex(), len(payouts)),
	})
	return nil
}

// DeriveChild mints a unit owned by newOwner whose parent is id
func (l *Ledger) DeriveChild(ctx context.Context, caller common.Address, id types.UnitID, newOwner common.Address) (child types.UnitID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpDeriveChild, start, err) }(time.Now())

	if err := l.guard(OpDeriveChild); err != nil {
		return types.NoUnit, err
	}
	parent, ok := l.lookup(id)
	if !ok {
		return types.NoUnit, reject(OpDeriveChild, id, ErrNonexistent)
	}
	if parent.owner != caller {
		return types.NoUnit, reject(OpDeriveChild, id, ErrNotOwner)
	}
	if newOwner == (common.Address{}) {
		return types.NoUnit, reject(OpDeriveChild, id, ErrMintToZero)
	}
	finish := func(ctx context.Context) types.UnitID {
		u := l.appendUnit(newOwner, id)
		l.commit(ctx, types.Event{
			Kind:   types.EventDerived,
			Unit:   u.id,
			Parent: id,
			Owner:  caller,
			To:     newOwner,
		})
		return u.id
	}
	if err := l.chargeFee(ctx, OpDeriveChild, id, caller, func(ctx context.Context) { finish(ctx) }); err != nil {
		return types.NoUnit, err
	}
	return finish(ctx), nil
}

// TransferToChild moves amount of asset from a unit to one of its children
func (l *Ledger) TransferToChild(ctx context.Context, caller common.Address, parentID, childID types.UnitID, asset common.Address, amount *big.Int) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpTransferToChild, start, err) }(time.Now())

	if err := l.guard(OpTransferToChild); err != nil {
		return err
	}
	parent, ok := l.lookup(parentID)
	if !ok {
		return reject(OpTransferToChild, parentID, ErrNonexistent)
	}
	if parent.owner != caller {
		return reject(OpTransferToChild, parentID, ErrNotOwner)
	}
	child, ok := l.lookup(childID)
	if !ok || child.parent != parentID {
		return reject(OpTransferToChild, parentID, ErrNotParent)
	}
	if amount == nil || amount.Sign() <= 0 {
		return reject(OpTransferToChild, parentID, ErrZeroAmount)
	}
	if parent.balance(asset).Cmp(amount) < 0 {
		return reject(OpTransferToChild, parentID, ErrInvalidBalance)
	}

	parent.debit(asset, amount)
	child.credit(asset, amount)
	l.commit(ctx, types.Event{
		Kind:   types.EventTransferredToChild,
		Unit:   childID,
		Parent: parentID,
		Owner:  caller,
		Asset:  asset,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// canManage reports whether caller may move or approve u. Caller must hold l.mu.
func (l *Ledger) canManage(caller common.Address, u *unit) bool {
	return caller == u.owner || l.operators[u.owner][caller]
}

// TransferFrom moves unit id and everything it escrows from one owner to
// another. caller must be the owner, the approved address, or an operator.
func (l *Ledger) TransferFrom(ctx context.Context, caller, from, to common.Address, id types.UnitID) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpTransferFrom, start, err) }(time.Now())

	if err := l.guard(OpTransferFrom); err != nil {
		return err
	}
	u, ok := l.lookup(id)
	if !ok {
		return reject(OpTransferFrom, id, ErrNonexistent)
	}
	if !l.canManage(caller, u) && u.approved != caller {
		return reject(OpTransferFrom, id, ErrNotApproved)
	}
	if u.owner != from {
		return reject(OpTransferFrom, id, ErrWrongFrom)
	}
	if to == (common.Address{}) {
		return reject(OpTransferFrom, id, ErrTransferToZero)
	}

	u.owner = to
	u.approved = common.Address{}
	l.commit(ctx, types.Event{Kind: types.EventTransfer, Unit: id, Owner: from, To: to})

	logging.Audit(logging.AuditEvent{
		Operation: "unit_transferred",
		Actor:     caller.Hex(),
		Target:    id.String(),
		Result:    "success",
		Details:   fmt.Sprintf("from=%s to=%s", from.Hex(), to.Hex()),
	})
	return nil
}

// Approve lets to transfer unit id once. The zero address clears approval.
func (l *Ledger) Approve(ctx context.Context, caller, to common.Address, id types.UnitID) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpApprove, start, err) }(time.Now())

	if err := l.guard(OpApprove); err != nil {
		return err
	}
	u, ok := l.lookup(id)
	if !ok {
		return reject(OpApprove, id, ErrNonexistent)
	}
	if to == u.owner {
		return reject(OpApprove, id, ErrApproveToOwner)
	}
	if !l.canManage(caller, u) {
		return reject(OpApprove, id, ErrApproveNotAllowed)
	}

	u.approved = to
	l.commit(ctx, types.Event{Kind: types.EventApproval, Unit: id, Owner: u.owner, To: to})
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of caller's units
func (l *Ledger) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func(start time.Time) { l.observe(OpSetApprovalForAll, start, err) }(time.Now())

	if err := l.guard(OpSetApprovalForAll); err != nil {
		return err
	}
	if operator == caller {
		return reject(OpSetApprovalForAll, types.NoUnit, ErrApproveToCaller)
	}

	l.setOperator(caller, operator, approved)
	l.commit(ctx, types.Event{Kind: types.EventApprovalForAll, Owner: caller, To: operator, Approved: approved})
	return nil
}

func (l *Ledger) setOperator(owner, operator common.Address, approved bool) {
	ops, ok := l.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		l.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}
