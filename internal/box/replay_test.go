package box_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/token"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

func TestApply_ReproducesState(t *testing.T) {
	f := setUp(t)
	f.fund(t, addr1, ether(20))
	f.approve(t, addr1, ether(20))

	root := f.mint(t, addr1)
	f.deposit(t, addr1, root, ether(10))
	child := f.derive(t, addr1, root, addr2)
	if err := f.ledger.TransferToChild(f.ctx, addr1, root, child, encaAddr, ether(4)); err != nil {
		t.Fatalf("TransferToChild: %v", err)
	}
	if err := f.ledger.Approve(f.ctx, addr2, ownerAddr, child); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := f.ledger.SetApprovalForAll(f.ctx, addr1, ownerAddr, true); err != nil {
		t.Fatalf("SetApprovalForAll: %v", err)
	}
	other := f.mint(t, addr1)
	f.deposit(t, addr1, other, ether(2))
	if err := f.ledger.TransferFrom(f.ctx, addr1, addr1, addr2, other); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if err := f.ledger.WithdrawAll(f.ctx, addr2, other, addr2); err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}

	replayed := box.New(f.ledger.Config(), nil)
	for _, ev := range f.events.all() {
		if err := replayed.Apply(ev); err != nil {
			t.Fatalf("Apply(%d %s): %v", ev.Seq, ev.Kind, err)
		}
	}

	if replayed.Seq() != f.ledger.Seq() {
		t.Errorf("Seq = %d, want %d", replayed.Seq(), f.ledger.Seq())
	}
	if replayed.BurnedCount() != f.ledger.BurnedCount() || replayed.TotalSupply() != f.ledger.TotalSupply() {
		t.Errorf("supply mismatch: burned %d/%d live %d/%d",
			replayed.BurnedCount(), f.ledger.BurnedCount(), replayed.TotalSupply(), f.ledger.TotalSupply())
	}
	for id := types.UnitID(1); id <= f.ledger.LastID(); id++ {
		want, _ := f.ledger.Unit(id)
		got, err := replayed.Unit(id)
		if err != nil {
			t.Fatalf("Unit(%d): %v", id, err)
		}
		if !sameUnit(got, want) {
			t.Errorf("unit %d:\n got  %+v\n want %+v", id, got, want)
		}
	}
	if approved, _ := replayed.GetApproved(child); approved != ownerAddr {
		t.Errorf("approval not replayed: %s", approved.Hex())
	}
	if !replayed.IsApprovedForAll(addr1, ownerAddr) {
		t.Error("operator not replayed")
	}
}

func sameUnit(a, b types.Unit) bool {
	if a.ID != b.ID || a.Owner != b.Owner || a.Parent != b.Parent || a.Burned != b.Burned || a.URI != b.URI {
		return false
	}
	if len(a.Children) != len(b.Children) || len(a.Balances) != len(b.Balances) {
		return false
	}
	for i := range a.Children {
		if a.Children[i] != b.Children[i] {
			return false
		}
	}
	for i := range a.Balances {
		if a.Balances[i].Asset != b.Balances[i].Asset || a.Balances[i].Amount.Cmp(b.Balances[i].Amount) != 0 {
			return false
		}
	}
	return true
}

func TestApply_Errors(t *testing.T) {
	l := box.New(box.Config{}, nil)

	err := l.Apply(types.Event{Seq: 2, Kind: types.EventMinted, Unit: 1, Owner: addr1})
	if err == nil || !strings.Contains(err.Error(), "sequence gap") {
		t.Errorf("expected sequence gap, got %v", err)
	}

	err = l.Apply(types.Event{Seq: 1, Kind: types.EventMinted, Unit: 3, Owner: addr1})
	if err == nil || !strings.Contains(err.Error(), "out of order") {
		t.Errorf("expected out of order id, got %v", err)
	}

	err = l.Apply(types.Event{Seq: 1, Kind: types.EventReceived, Unit: 1, Asset: encaAddr, Amount: big.NewInt(1)})
	if !errors.Is(err, box.ErrNonexistent) {
		t.Errorf("expected ErrNonexistent, got %v", err)
	}

	err = l.Apply(types.Event{Seq: 1, Kind: "Exploded"})
	if err == nil || !strings.Contains(err.Error(), "unknown event kind") {
		t.Errorf("expected unknown kind, got %v", err)
	}

	if l.Seq() != 0 {
		t.Errorf("failed applies must not advance the sequence, got %d", l.Seq())
	}

	if err := l.Apply(types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1, Owner: addr1}); err != nil {
		t.Fatalf("Apply mint: %v", err)
	}
	err = l.Apply(types.Event{Seq: 2, Kind: types.EventWithdrawn, Unit: 1, Asset: encaAddr, Amount: big.NewInt(1)})
	if !errors.Is(err, box.ErrInvalidBalance) {
		t.Errorf("expected ErrInvalidBalance, got %v", err)
	}
}

type observed struct {
	op  string
	err error
}

type fakeObserver struct {
	ops          []observed
	live, burned uint64
}

func (o *fakeObserver) ObserveOperation(op string, _ time.Duration, err error) {
	o.ops = append(o.ops, observed{op, err})
}

func (o *fakeObserver) ObserveSupply(live, burned uint64) {
	o.live, o.burned = live, burned
}

func TestObserver(t *testing.T) {
	f := setUp(t)
	obs := &fakeObserver{}
	f.ledger.SetObserver(obs)

	id := f.fundedUnit(t)
	_ = f.ledger.WithdrawAll(f.ctx, addr2, id, addr2)
	if err := f.ledger.WithdrawAll(f.ctx, addr1, id, addr1); err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}

	wantOps := []string{box.OpMint, box.OpDeposit, box.OpWithdrawAll, box.OpWithdrawAll}
	if len(obs.ops) != len(wantOps) {
		t.Fatalf("observed %d ops, want %d", len(obs.ops), len(wantOps))
	}
	for i, op := range wantOps {
		if obs.ops[i].op != op {
			t.Errorf("op %d = %s, want %s", i, obs.ops[i].op, op)
		}
	}
	if !errors.Is(obs.ops[2].err, box.ErrNotOwner) || obs.ops[3].err != nil {
		t.Errorf("unexpected observed errors: %v, %v", obs.ops[2].err, obs.ops[3].err)
	}
	if obs.live != 0 || obs.burned != 1 {
		t.Errorf("supply = live %d burned %d", obs.live, obs.burned)
	}
}

// flakyAsset fails payouts after the first n
type flakyAsset struct {
	*token.Handle
	allowed int
}

func (a *flakyAsset) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if a.allowed == 0 {
		return errors.New("rpc unavailable")
	}
	a.allowed--
	return a.Handle.Transfer(ctx, to, amount)
}

func TestWithdrawAll_PartialPayoutFlakyAsset(t *testing.T) {
	tokenB := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	enca := token.NewMemory(encaAddr, "Enca", "ENCA")
	other := token.NewMemory(tokenB, "Other", "OTH")
	for _, m := range []*token.Memory{enca, other} {
		if err := m.Mint(addr1, ether(5)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
		if err := m.Approve(addr1, boxAddr, ether(5)); err != nil {
			t.Fatalf("Approve: %v", err)
		}
	}
	ledger := box.New(box.Config{Custody: boxAddr},
		token.NewRegistry(enca.Bind(boxAddr), &flakyAsset{Handle: other.Bind(boxAddr), allowed: 0}))
	ctx := context.Background()

	id, _ := ledger.Mint(ctx, addr1, addr1)
	if err := ledger.Deposit(ctx, addr1, id, encaAddr, ether(5)); err != nil {
		t.Fatalf("Deposit A: %v", err)
	}
	if err := ledger.Deposit(ctx, addr1, id, tokenB, ether(5)); err != nil {
		t.Fatalf("Deposit B: %v", err)
	}

	if err := ledger.WithdrawAll(ctx, addr1, id, addr2); err == nil {
		t.Fatal("expected payout failure")
	}

	// the first asset was paid and debited, the second is still escrowed
	if got := ledger.Balance(id, encaAddr); got.Sign() != 0 {
		t.Errorf("paid asset balance = %s, want 0", got)
	}
	if got := ledger.Balance(id, tokenB); got.Cmp(ether(5)) != 0 {
		t.Errorf("unpaid asset balance = %s, want 5 ether", got)
	}
	if got := enca.BalanceOf(addr2); got.Cmp(ether(5)) != 0 {
		t.Errorf("recipient got %s, want 5 ether", got)
	}
	if _, err := ledger.OwnerOf(id); err != nil {
		t.Errorf("unit should stay live: %v", err)
	}
	if ledger.BurnedCount() != 0 {
		t.Errorf("BurnedCount = %d, want 0", ledger.BurnedCount())
	}
}

func TestSinkFailureDoesNotRollBack(t *testing.T) {
	f := setUp(t)
	f.ledger.AddSink(box.SinkFunc(func(context.Context, types.Event) error {
		return errors.New("disk full")
	}))

	id := f.fundedUnit(t)
	assertBalance(t, f, id, ether(10))
	if len(f.events.all()) != 2 {
		t.Errorf("healthy sink should still see every event")
	}
}
