package scenario

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/token"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Option configures a run
type Option func(*runOptions)

type runOptions struct {
	sinks    []box.Sink
	durable  []box.Sink
	observer box.Observer
}

// WithSink adds a sink that receives every committed event of the run
func WithSink(s box.Sink) Option {
	return func(o *runOptions) { o.sinks = append(o.sinks, s) }
}

// WithDurableSink adds a sink that must store every event, such as a
// journal. Run fails once it has refused one.
func WithDurableSink(s box.Sink) Option {
	return func(o *runOptions) { o.durable = append(o.durable, s) }
}

// WithObserver sets the ledger observer for the run
func WithObserver(obs box.Observer) Option {
	return func(o *runOptions) { o.observer = obs }
}

// StepResult is the outcome of one step
type StepResult struct {
	Index    int
	Name     string
	Actor    string
	Action   string
	Reason   string
	Events   []types.Event
	Failures []string
	Duration time.Duration
}

// Passed reports whether every expectation of the step held
func (r StepResult) Passed() bool {
	return len(r.Failures) == 0
}

// Report is the outcome of a run
type Report struct {
	Scenario string
	Steps    []StepResult
	Duration time.Duration
	// Ledger is the final ledger state.
	Ledger *box.Ledger
	// Accounts maps every account name, including the reserved ones, to its address.
	Accounts map[string]common.Address
}

// Passed reports whether every step passed
func (r *Report) Passed() bool {
	return r.Failed() == 0
}

// Failed returns the number of failed steps
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Passed() {
			n++
		}
	}
	return n
}

type env struct {
	sc     *Scenario
	book   *book
	tokens map[string]*token.Memory
	ledger *box.Ledger
	events []types.Event
}

// Run executes sc against a fresh ledger. A non-nil error means the run
// could not be set up or was canceled; failed expectations are reported
// in the Report.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Report, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	e, err := newEnv(sc)
	if err != nil {
		return nil, err
	}
	e.ledger.AddSink(box.SinkFunc(func(_ context.Context, ev types.Event) error {
		e.events = append(e.events, ev)
		return nil
	}))
	for _, s := range o.sinks {
		e.ledger.AddSink(s)
	}
	for _, s := range o.durable {
		e.ledger.AddDurableSink(s)
	}
	if o.observer != nil {
		e.ledger.SetObserver(o.observer)
	}

	report := &Report{
		Scenario: sc.Name,
		Ledger:   e.ledger,
		Accounts: make(map[string]common.Address, len(e.book.byName)),
	}
	for n, a := range e.book.byName {
		report.Accounts[n] = a
	}

	start := time.Now()
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		res := e.runStep(ctx, i+1, st)
		report.Steps = append(report.Steps, res)
		if err := e.ledger.Halted(); err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("step %d: %w", res.Index, err)
		}

		logging.Debug("scenario step",
			logging.Component("scenario"),
			"scenario", sc.Name,
			"step", res.Index,
			"action", res.Action,
			"passed", res.Passed(),
			"reason", res.Reason)
	}
	report.Duration = time.Since(start)

	logging.Info("scenario finished",
		logging.Component("scenario"),
		"scenario", sc.Name,
		"steps", len(report.Steps),
		"failed", report.Failed(),
		"duration", report.Duration)
	return report, nil
}

func newEnv(sc *Scenario) (*env, error) {
	b, err := newBook(sc.Accounts)
	if err != nil {
		return nil, err
	}
	custody := b.byName[Custody]

	e := &env{sc: sc, book: b, tokens: make(map[string]*token.Memory, len(sc.Tokens))}
	registry := token.NewRegistry()
	for _, ts := range sc.Tokens {
		symbol := ts.Symbol
		if symbol == "" {
			symbol = ts.Name
		}
		mem := token.NewMemory(TokenAddress(ts.Name), ts.Name, symbol)
		for holder, amount := range ts.Balances {
			v, err := token.ParseBaseUnits(amount)
			if err != nil {
				return nil, fmt.Errorf("token %s: %w", ts.Name, err)
			}
			addr, err := b.lookup(holder)
			if err != nil {
				return nil, err
			}
			if err := mem.Mint(addr, v); err != nil {
				return nil, fmt.Errorf("token %s: opening balance for %s: %w", ts.Name, holder, err)
			}
		}
		e.tokens[ts.Name] = mem
		registry.Register(mem.Bind(custody))
	}

	cfg := box.Config{
		Name:          sc.Ledger.Name,
		Symbol:        sc.Ledger.Symbol,
		BaseURI:       sc.Ledger.BaseURI,
		Custody:       custody,
		ChildDeposits: true,
	}
	if sc.Ledger.ChildDeposits != nil {
		cfg.ChildDeposits = *sc.Ledger.ChildDeposits
	}
	if sc.Ledger.MintFee != "" {
		fee, err := token.ParseBaseUnits(sc.Ledger.MintFee)
		if err != nil {
			return nil, fmt.Errorf("ledger.mint_fee: %w", err)
		}
		cfg.MintFee = fee
		cfg.FeeAsset = TokenAddress(sc.Ledger.FeeToken)
	}
	e.ledger = box.New(cfg, registry)
	return e, nil
}

func (e *env) runStep(ctx context.Context, index int, st Step) StepResult {
	res := StepResult{Index: index, Name: st.Name, Actor: st.Actor, Action: st.Action}
	e.events = e.events[:0]

	start := time.Now()
	produced, err := e.act(ctx, st)
	res.Duration = time.Since(start)
	res.Reason = box.Reason(err)
	res.Events = append([]types.Event(nil), e.events...)

	fail := func(format string, args ...any) {
		res.Failures = append(res.Failures, fmt.Sprintf(format, args...))
	}

	switch want := st.Expect.Revert; {
	case want != "" && err == nil:
		fail("expected revert %q, step succeeded", want)
	case want != "" && res.Reason != want:
		fail("reverted with %q, want %q", res.Reason, want)
	case want == "" && err != nil:
		fail("unexpected revert: %q", res.Reason)
	}

	if st.Expect.Unit != 0 && uint64(produced) != st.Expect.Unit {
		fail("returned unit %d, want %d", produced, st.Expect.Unit)
	}
	e.check(st.Expect, res.Events, fail)
	return res
}

// act performs the step and returns the unit a mint or derive produced
func (e *env) act(ctx context.Context, st Step) (types.UnitID, error) {
	actor, err := e.book.lookup(st.Actor)
	if err != nil {
		return types.NoUnit, err
	}
	account := func(name string, fallback common.Address) (common.Address, error) {
		if name == "" {
			return fallback, nil
		}
		return e.book.lookup(name)
	}
	amount := func() (*big.Int, error) {
		return token.ParseBaseUnits(st.Amount)
	}
	unit := types.UnitID(st.Unit)

	switch st.Action {
	case ActionApprove:
		spender, err := account(st.Spender, e.book.byName[Custody])
		if err != nil {
			return types.NoUnit, err
		}
		v, err := amount()
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.tokens[st.Token].Approve(actor, spender, v)

	case ActionTransferToken:
		to, err := account(st.To, common.Address{})
		if err != nil {
			return types.NoUnit, err
		}
		v, err := amount()
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.tokens[st.Token].Transfer(actor, to, v)

	case ActionMint:
		to, err := account(st.To, actor)
		if err != nil {
			return types.NoUnit, err
		}
		return e.ledger.Mint(ctx, actor, to)

	case ActionDeposit:
		v, err := amount()
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.ledger.Deposit(ctx, actor, unit, TokenAddress(st.Token), v)

	case ActionUnpack:
		to, err := account(st.To, actor)
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.ledger.WithdrawAll(ctx, actor, unit, to)

	case ActionDerive:
		to, err := account(st.To, actor)
		if err != nil {
			return types.NoUnit, err
		}
		return e.ledger.DeriveChild(ctx, actor, unit, to)

	case ActionMoveToChild:
		v, err := amount()
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.ledger.TransferToChild(ctx, actor, unit, types.UnitID(st.Child), TokenAddress(st.Token), v)

	case ActionTransferUnit:
		from, err := account(st.From, actor)
		if err != nil {
			return types.NoUnit, err
		}
		to, err := account(st.To, common.Address{})
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.ledger.TransferFrom(ctx, actor, from, to, unit)

	case ActionApproveUnit:
		to, err := account(st.To, common.Address{})
		if err != nil {
			return types.NoUnit, err
		}
		return types.NoUnit, e.ledger.Approve(ctx, actor, to, unit)

	case ActionApproveAll:
		to, err := account(st.To, common.Address{})
		if err != nil {
			return types.NoUnit, err
		}
		approved := true
		if st.Approved != nil {
			approved = *st.Approved
		}
		return types.NoUnit, e.ledger.SetApprovalForAll(ctx, actor, to, approved)
	}
	return types.NoUnit, fmt.Errorf("unknown action %q", st.Action)
}

func (e *env) check(ex Expect, events []types.Event, fail func(string, ...any)) {
	if ex.Events != nil {
		got := make([]string, len(events))
		for i, ev := range events {
			got[i] = string(ev.Kind)
		}
		if !slices.Equal(got, ex.Events) {
			fail("events = %v, want %v", got, ex.Events)
		}
	}

	for _, ub := range ex.UnitBalance {
		want, _ := token.ParseBaseUnits(ub.Amount)
		got := e.ledger.Balance(types.UnitID(ub.Unit), TokenAddress(ub.Token))
		if got.Cmp(want) != 0 {
			fail("unit %d %s balance = %s, want %s", ub.Unit, ub.Token, token.FormatAmount(got), token.FormatAmount(want))
		}
	}

	for _, tb := range ex.TokenBalance {
		want, _ := token.ParseBaseUnits(tb.Amount)
		addr, err := e.book.lookup(tb.Account)
		if err != nil {
			fail("token_balance: %v", err)
			continue
		}
		got := e.tokens[tb.Token].BalanceOf(addr)
		if got.Cmp(want) != 0 {
			fail("%s %s balance = %s, want %s", tb.Account, tb.Token, token.FormatAmount(got), token.FormatAmount(want))
		}
	}

	for _, id := range sortedKeys(ex.Owner) {
		want, err := e.book.lookup(ex.Owner[id])
		if err != nil {
			fail("owner: %v", err)
			continue
		}
		got, err := e.ledger.OwnerOf(types.UnitID(id))
		if err != nil {
			fail("owner of %d: %v", id, err)
			continue
		}
		if got != want {
			fail("owner of %d = %s, want %s", id, e.book.name(got), ex.Owner[id])
		}
	}

	for _, id := range sortedKeys(ex.Parent) {
		got, err := e.ledger.Parent(types.UnitID(id))
		if err != nil {
			fail("parent of %d: %v", id, err)
			continue
		}
		if uint64(got) != ex.Parent[id] {
			fail("parent of %d = %d, want %d", id, got, ex.Parent[id])
		}
	}

	for _, id := range sortedKeys(ex.Children) {
		got, err := e.ledger.Children(types.UnitID(id))
		if err != nil {
			fail("children of %d: %v", id, err)
			continue
		}
		if !slices.Equal(toUint64s(got), ex.Children[id]) {
			fail("children of %d = %v, want %v", id, got, ex.Children[id])
		}
	}

	for _, holder := range sortedKeys(ex.UnitsOf) {
		addr, err := e.book.lookup(holder)
		if err != nil {
			fail("units_of: %v", err)
			continue
		}
		got := toUint64s(e.ledger.UnitsOfOwner(addr))
		if !slices.Equal(got, ex.UnitsOf[holder]) {
			fail("units of %s = %v, want %v", holder, got, ex.UnitsOf[holder])
		}
	}

	for _, id := range sortedKeys(ex.Assets) {
		got, err := e.ledger.TokenAddresses(types.UnitID(id))
		if err != nil {
			fail("assets of %d: %v", id, err)
			continue
		}
		want := make([]common.Address, len(ex.Assets[id]))
		for i, n := range ex.Assets[id] {
			want[i] = TokenAddress(n)
		}
		if !slices.Equal(got, want) {
			fail("assets of %d = %v, want %v", id, e.tokenNames(got), ex.Assets[id])
		}
	}

	for _, id := range sortedKeys(ex.URI) {
		got, err := e.ledger.TokenURI(types.UnitID(id))
		if err != nil {
			fail("uri of %d: %v", id, err)
			continue
		}
		if got != ex.URI[id] {
			fail("uri of %d = %q, want %q", id, got, ex.URI[id])
		}
	}

	for _, id := range ex.Burned {
		u, err := e.ledger.Unit(types.UnitID(id))
		if err != nil {
			fail("burned %d: %v", id, err)
			continue
		}
		if !u.Burned {
			fail("unit %d is not burned", id)
		}
		if _, err := e.ledger.OwnerOf(types.UnitID(id)); !errors.Is(err, box.ErrNonexistent) {
			fail("owner of burned unit %d: err = %v, want %q", id, err, box.ErrNonexistent)
		}
	}

	if ex.BurnedCount != nil {
		if got := e.ledger.BurnedCount(); got != *ex.BurnedCount {
			fail("burned count = %d, want %d", got, *ex.BurnedCount)
		}
	}
}

func (e *env) tokenNames(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
		for name, mem := range e.tokens {
			if mem.Address() == a {
				out[i] = name
				break
			}
		}
	}
	return out
}

func toUint64s(ids []types.UnitID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
