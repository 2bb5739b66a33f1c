package journal

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/token"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ownerAddr = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	addr1     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	boxAddr   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	encaAddr  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// reopening must not re-run anything
	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if v2, _ := s.SchemaVersion(ctx); v2 != v {
		t.Errorf("schema version after reopen = %d, want %d", v2, v)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []types.Event{
		{Seq: 1, Kind: types.EventMinted, Unit: 1, Owner: addr1, Time: at},
		{Seq: 2, Kind: types.EventReceived, Unit: 1, Owner: addr1, Asset: encaAddr, Amount: token.Ether(10), Time: at},
		{Seq: 3, Kind: types.EventApprovalForAll, Owner: addr1, To: ownerAddr, Approved: true, Time: at},
	}
	for _, ev := range in {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%d): %v", ev.Seq, err)
		}
	}

	last, err := s.LastSeq(ctx)
	if err != nil || last != 3 {
		t.Fatalf("LastSeq = %d, %v; want 3", last, err)
	}

	got, err := s.Events(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("Events returned %d, want %d", len(got), len(in))
	}
	if got[1].Amount == nil || got[1].Amount.Cmp(token.Ether(10)) != 0 {
		t.Errorf("amount = %v, want 10 ether", got[1].Amount)
	}
	if got[0].Amount != nil {
		t.Errorf("mint amount = %v, want nil", got[0].Amount)
	}
	if !got[2].Approved || got[2].To != ownerAddr {
		t.Errorf("approval event = %+v", got[2])
	}
	if !got[0].Time.Equal(at) {
		t.Errorf("time = %v, want %v", got[0].Time, at)
	}

	page, err := s.Events(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Events page: %v", err)
	}
	if len(page) != 1 || page[0].Seq != 2 {
		t.Errorf("page = %+v, want seq 2 only", page)
	}
}

func TestRecord_Rejects(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	if err := s.Record(ctx, types.Event{Seq: 2, Kind: types.EventMinted, Unit: 1}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("gap: got %v, want ErrOutOfOrder", err)
	}
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: "Bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("duplicate: got %v, want ErrOutOfOrder", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.Record(canceled, types.Event{Seq: 2, Kind: types.EventMinted, Unit: 2}); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: got %v", err)
	}
}

func TestMeta(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	if _, ok, err := s.Meta(ctx, "custody"); err != nil || ok {
		t.Fatalf("unset Meta = ok %v, err %v", ok, err)
	}
	if err := s.SetMeta(ctx, "custody", boxAddr.Hex()); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := s.SetMeta(ctx, "custody", ownerAddr.Hex()); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	v, ok, err := s.Meta(ctx, "custody")
	if err != nil || !ok || v != ownerAddr.Hex() {
		t.Errorf("Meta = %q, %v, %v", v, ok, err)
	}
}

func newLedger(t *testing.T) (*box.Ledger, *token.Memory) {
	t.Helper()
	enca := token.NewMemory(encaAddr, "Enca", "ENCA")
	if err := enca.Mint(addr1, token.Ether(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := enca.Approve(addr1, boxAddr, token.Ether(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	l := box.New(box.Config{
		BaseURI:       "baseTokenURI",
		Custody:       boxAddr,
		MintFee:       token.Ether(1),
		FeeAsset:      encaAddr,
		ChildDeposits: true,
	}, token.NewRegistry(enca.Bind(boxAddr)))
	return l, enca
}

func TestReplay_RebuildsLedger(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	live, _ := newLedger(t)
	live.AddSink(s)

	root, err := live.Mint(ctx, addr1, addr1)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := live.Deposit(ctx, addr1, root, encaAddr, token.Ether(10)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	child, err := live.DeriveChild(ctx, addr1, root, ownerAddr)
	if err != nil {
		t.Fatalf("DeriveChild: %v", err)
	}
	if err := live.TransferToChild(ctx, addr1, root, child, encaAddr, token.Ether(3)); err != nil {
		t.Fatalf("TransferToChild: %v", err)
	}
	if err := live.WithdrawAll(ctx, ownerAddr, child, ownerAddr); err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}

	rebuilt := box.New(live.Config(), nil)
	n, err := s.Replay(ctx, rebuilt)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if uint64(n) != live.Seq() {
		t.Errorf("replayed %d events, want %d", n, live.Seq())
	}
	if got := rebuilt.Balance(root, encaAddr); got.Cmp(token.Ether(7)) != 0 {
		t.Errorf("root balance = %s, want 7 ether", got)
	}
	if rebuilt.BurnedCount() != 1 {
		t.Errorf("burned = %d, want 1", rebuilt.BurnedCount())
	}
	if p, _ := rebuilt.Parent(child); p != root {
		t.Errorf("parent = %d, want %d", p, root)
	}

	evs, err := s.UnitEvents(ctx, child)
	if err != nil {
		t.Fatalf("UnitEvents: %v", err)
	}
	// derived, moved in, withdrawn, unpacked
	if len(evs) != 4 {
		t.Errorf("child events = %d, want 4", len(evs))
	}
}

type failingApplier struct{ after int }

func (f *failingApplier) Apply(types.Event) error {
	if f.after == 0 {
		return errors.New("boom")
	}
	f.after--
	return nil
}

func TestReplay_StopsOnError(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	for i := uint64(1); i <= 3; i++ {
		if err := s.Record(ctx, types.Event{Seq: i, Kind: types.EventMinted, Unit: types.UnitID(i), Owner: addr1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	n, err := s.Replay(ctx, &failingApplier{after: 2})
	if err == nil {
		t.Fatal("expected replay error")
	}
	if n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}
}

func TestReplay_DetectsMissingEvents(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1, Owner: addr1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// event 2 was lost, so 3 can never be stored
	if err := s.Record(ctx, types.Event{Seq: 3, Kind: types.EventMinted, Unit: 2, Owner: addr1}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("gap: got %v, want ErrOutOfOrder", err)
	}
	if hw, err := s.HighWater(ctx); err != nil || hw != 3 {
		t.Fatalf("HighWater = %d, %v; want 3", hw, err)
	}

	rebuilt := box.New(box.Config{Custody: boxAddr}, nil)
	n, err := s.Replay(ctx, rebuilt)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("Replay = %v, want ErrTruncated", err)
	}
	if n != 1 {
		t.Errorf("applied = %d, want 1", n)
	}
}

func TestHighWater_OnlyRises(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if hw, err := s.HighWater(ctx); err != nil || hw != 0 {
		t.Fatalf("empty HighWater = %d, %v", hw, err)
	}
	for i := uint64(1); i <= 2; i++ {
		if err := s.Record(ctx, types.Event{Seq: i, Kind: types.EventMinted, Unit: types.UnitID(i), Owner: addr1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// a stale duplicate is refused and leaves the mark alone
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1, Owner: addr1}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("duplicate: got %v", err)
	}
	if hw, err := s.HighWater(ctx); err != nil || hw != 2 {
		t.Errorf("HighWater = %d, %v; want 2", hw, err)
	}
	if _, err := s.Replay(ctx, box.New(box.Config{Custody: boxAddr}, nil)); err != nil {
		t.Errorf("Replay of a complete journal: %v", err)
	}
}

func TestMigrate_FailedStepRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	bad := append(append([]Migration(nil), migrations...), Migration{
		Version:     99,
		Description: "broken",
		Up:          execSQL(`CREATE TABLE kept (x INTEGER)`, `NOT VALID SQL`),
	})
	if err := migrate(ctx, s.db, bad); err == nil {
		t.Fatal("expected migration error")
	}
	if v, _ := s.SchemaVersion(ctx); v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'kept'`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 0 {
		t.Error("partial migration was not rolled back")
	}
}

func TestMemoryPath(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, MemoryPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Record(ctx, types.Event{Seq: 1, Kind: types.EventMinted, Unit: 1, Amount: big.NewInt(0)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if last, _ := s.LastSeq(ctx); last != 1 {
		t.Errorf("LastSeq = %d, want 1", last)
	}
}
