// Package box implements the escrow ledger: non-fungible units that hold
// fungible asset balances, can be transferred as a whole, and can derive
// child units that receive value from their parent.
package box

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Asset is a fungible token the ledger can pull from callers and pay out of
// custody. Implementations act as the ledger's custody address.
type Asset interface {
	Address() common.Address
	// TransferFrom moves amount from one account to another using the
	// custody address's allowance.
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	// Transfer moves amount out of custody.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// Assets resolves asset addresses to Asset handles
type Assets interface {
	Asset(addr common.Address) (Asset, error)
}

// Sink receives every committed event in commit order. The context passed
// to Record is never canceled by the caller of the ledger operation.
type Sink interface {
	Record(ctx context.Context, ev types.Event) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, ev types.Event) error

func (f SinkFunc) Record(ctx context.Context, ev types.Event) error {
	return f(ctx, ev)
}

// Observer is notified after every mutating call
type Observer interface {
	ObserveOperation(op string, duration time.Duration, err error)
	ObserveSupply(live, burned uint64)
}

// Config configures a Ledger
type Config struct {
	Name    string
	Symbol  string
	BaseURI string
	// Custody is the address that holds escrowed assets.
	Custody common.Address
	// MintFee is pulled from the caller in FeeAsset on Mint and DeriveChild.
	// nil or zero disables the fee.
	MintFee  *big.Int
	FeeAsset common.Address
	// ChildDeposits allows direct deposits into units that have a parent.
	ChildDeposits bool
}

type unit struct {
	id       types.UnitID
	owner    common.Address
	parent   types.UnitID
	children []types.UnitID
	balances map[common.Address]*big.Int
	// assets in order of first deposit
	assets   []common.Address
	approved common.Address
	burned   bool
}

func newUnit(id types.UnitID, owner common.Address, parent types.UnitID) *unit {
	return &unit{
		id:       id,
		owner:    owner,
		parent:   parent,
		balances: make(map[common.Address]*big.Int),
	}
}

func (u *unit) balance(asset common.Address) *big.Int {
	if b, ok := u.balances[asset]; ok {
		return b
	}
	return new(big.Int)
}

func (u *unit) credit(asset common.Address, amount *big.Int) {
	b, ok := u.balances[asset]
	if !ok {
		b = new(big.Int)
		u.balances[asset] = b
		u.assets = append(u.assets, asset)
	}
	b.Add(b, amount)
}

func (u *unit) debit(asset common.Address, amount *big.Int) {
	if b, ok := u.balances[asset]; ok {
		b.Sub(b, amount)
	}
}

func (u *unit) holdsValue() bool {
	for _, b := range u.balances {
		if b.Sign() > 0 {
			return true
		}
	}
	return false
}

// Ledger is the escrow ledger. All methods are safe for concurrent use;
// mutating calls are serialized for their whole duration.
type Ledger struct {
	mu        sync.RWMutex
	cfg       Config
	assets    Assets
	units     []*unit // units[id-1]
	operators map[common.Address]map[common.Address]bool
	burned    uint64
	seq       uint64
	sinks     []sinkEntry
	observer  Observer
	now       func() time.Time

	// halt is set once a durable sink fails; the ledger then refuses
	// every mutating call.
	halt    error
	pending []*pendingTx
}

type sinkEntry struct {
	Sink
	durable bool
}

// New creates an empty ledger whose assets are resolved through assets
func New(cfg Config, assets Assets) *Ledger {
	if cfg.MintFee != nil {
		cfg.MintFee = new(big.Int).Set(cfg.MintFee)
	}
	return &Ledger{
		cfg:       cfg,
		assets:    assets,
		operators: make(map[common.Address]map[common.Address]bool),
		now:       time.Now,
	}
}

// AddSink registers a best-effort sink for committed events. Its failures
// are logged.
func (l *Ledger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sinkEntry{Sink: s})
}

// AddDurableSink registers a sink that must see every event, such as the
// journal. The first failure halts the ledger: later mutating calls fail
// with ErrHalted so the sink never falls behind silently.
func (l *Ledger) AddDurableSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sinkEntry{Sink: s, durable: true})
}

// Halted returns why the ledger refuses mutating calls, or nil
func (l *Ledger) Halted() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.haltError()
}

// haltError caller must hold l.mu
func (l *Ledger) haltError() error {
	switch {
	case l.halt != nil:
		return fmt.Errorf("%w: %v", ErrHalted, l.halt)
	case len(l.pending) > 0:
		return fmt.Errorf("%w: transaction %s awaiting confirmation", ErrHalted, l.pending[0].TxHash.Hex())
	}
	return nil
}

// guard fails mutating calls while the ledger is halted. Caller must hold l.mu.
func (l *Ledger) guard(op string) error {
	if err := l.haltError(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetObserver sets the operation observer
func (l *Ledger) SetObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = o
	if o != nil {
		o.ObserveSupply(l.liveCount(), l.burned)
	}
}

// Config returns the ledger configuration
func (l *Ledger) Config() Config {
	return l.cfg
}

// lookup returns a live unit. Caller must hold l.mu.
func (l *Ledger) lookup(id types.UnitID) (*unit, bool) {
	u, ok := l.lookupAny(id)
	if !ok || u.burned {
		return nil, false
	}
	return u, true
}

// lookupAny returns a unit whether or not it is burned. Caller must hold l.mu.
func (l *Ledger) lookupAny(id types.UnitID) (*unit, bool) {
	if id == types.NoUnit || uint64(id) > uint64(len(l.units)) {
		return nil, false
	}
	return l.units[id-1], true
}

func (l *Ledger) liveCount() uint64 {
	return uint64(len(l.units)) - l.burned
}

// Balance returns the amount of asset escrowed in a unit. Unknown and
// burned units hold nothing.
func (l *Ledger) Balance(id types.UnitID, asset common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookup(id)
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(u.balance(asset))
}

// Balances returns every asset a unit has ever held, in order of first
// deposit, with its current amount.
func (l *Ledger) Balances(id types.UnitID) ([]types.TokenBalance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookupAny(id)
	if !ok {
		return nil, ErrNonexistent
	}
	return snapshotBalances(u), nil
}

func snapshotBalances(u *unit) []types.TokenBalance {
	out := make([]types.TokenBalance, 0, len(u.assets))
	for _, a := range u.assets {
		out = append(out, types.TokenBalance{Amount: new(big.Int).Set(u.balance(a)), Asset: a})
	}
	return out
}

// TokenAddresses returns the assets a unit has held, in order of first deposit
func (l *Ledger) TokenAddresses(id types.UnitID) ([]common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookupAny(id)
	if !ok {
		return nil, ErrNonexistent
	}
	return append([]common.Address(nil), u.assets...), nil
}

// OwnerOf returns the owner of a live unit
func (l *Ledger) OwnerOf(id types.UnitID) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookup(id)
	if !ok {
		return common.Address{}, ErrNonexistent
	}
	return u.owner, nil
}

// Parent returns the parent of a unit, or types.NoUnit for root units
func (l *Ledger) Parent(id types.UnitID) (types.UnitID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookupAny(id)
	if !ok {
		return types.NoUnit, ErrNonexistent
	}
	return u.parent, nil
}

// Children returns a unit's children in derivation order
func (l *Ledger) Children(id types.UnitID) ([]types.UnitID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookupAny(id)
	if !ok {
		return nil, ErrNonexistent
	}
	return append([]types.UnitID(nil), u.children...), nil
}

// UnitsOfOwner returns the live units owned by addr in ascending id order
func (l *Ledger) UnitsOfOwner(addr common.Address) []types.UnitID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []types.UnitID
	for _, u := range l.units {
		if !u.burned && u.owner == addr {
			ids = append(ids, u.id)
		}
	}
	return ids
}

// TokenURI returns BaseURI followed by the decimal id
func (l *Ledger) TokenURI(id types.UnitID) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.lookup(id); !ok {
		return "", ErrNonexistent
	}
	return l.tokenURI(id), nil
}

func (l *Ledger) tokenURI(id types.UnitID) string {
	if l.cfg.BaseURI == "" {
		return ""
	}
	return l.cfg.BaseURI + strconv.FormatUint(uint64(id), 10)
}

// GetApproved returns the single approved address of a unit
func (l *Ledger) GetApproved(id types.UnitID) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookup(id)
	if !ok {
		return common.Address{}, ErrNonexistent
	}
	return u.approved, nil
}

// IsApprovedForAll reports whether operator may manage all of owner's units
func (l *Ledger) IsApprovedForAll(owner, operator common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.operators[owner][operator]
}

// BurnedCount returns the number of unpacked units
func (l *Ledger) BurnedCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.burned
}

// TotalSupply returns the number of live units
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.liveCount()
}

// LastID returns the highest id ever issued
func (l *Ledger) LastID() types.UnitID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.UnitID(len(l.units))
}

// Seq returns the sequence number of the last committed event
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Unit returns a snapshot of a unit, burned or not
func (l *Ledger) Unit(id types.UnitID) (types.Unit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, ok := l.lookupAny(id)
	if !ok {
		return types.Unit{}, ErrNonexistent
	}
	snap := types.Unit{
		ID:       u.id,
		Owner:    u.owner,
		Parent:   u.parent,
		Children: append([]types.UnitID{}, u.children...),
		Balances: snapshotBalances(u),
		Burned:   u.burned,
	}
	if !u.burned {
		snap.URI = l.tokenURI(u.id)
	}
	return snap, nil
}

// Holders returns every address owning at least one live unit, sorted
func (l *Ledger) Holders() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, u := range l.units {
		if !u.burned && !seen[u.owner] {
			seen[u.owner] = true
			out = append(out, u.owner)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// commit stamps ev and hands it to the sinks. Caller must hold l.mu.
func (l *Ledger) commit(ctx context.Context, ev types.Event) types.Event {
	l.seq++
	ev.Seq = l.seq
	if ev.Time.IsZero() {
		ev.Time = l.now().UTC()
	}
	// the state change has happened; sinks must see it even if the caller
	// has given up
	ctx = context.WithoutCancel(ctx)
	for _, s := range l.sinks {
		err := s.Record(ctx, ev)
		if err == nil {
			continue
		}
		logging.Error("event sink failed",
			logging.Component("box"),
			"seq", ev.Seq,
			"kind", string(ev.Kind),
			"durable", s.durable,
			logging.Err(err))
		if s.durable && l.halt == nil {
			l.halt = fmt.Errorf("event %d not recorded: %w", ev.Seq, err)
		}
	}
	return ev
}

// observe reports a finished call. Caller must hold l.mu.
func (l *Ledger) observe(op string, start time.Time, err error) {
	if l.observer == nil {
		return
	}
	l.observer.ObserveOperation(op, time.Since(start), err)
	l.observer.ObserveSupply(l.liveCount(), l.burned)
}
