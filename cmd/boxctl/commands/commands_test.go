package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/encabox/encabox/internal/api"
	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/config"
	"github.com/encabox/encabox/internal/token"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const oneScenario = `
name: mint and deposit
accounts: [alice, bob]
tokens:
  - name: USD
    balances: {alice: "50"}
ledger: {base_uri: "ipfs://box/"}
steps:
  - {actor: alice, action: approve, token: USD, amount: "50"}
  - {actor: alice, action: mint, expect: {unit: 1}}
  - {actor: alice, action: deposit, unit: 1, token: USD, amount: "20"}
  - {actor: alice, action: derive, unit: 1, to: bob, expect: {unit: 2}}
  - {actor: alice, action: move_to_child, unit: 1, child: 2, token: USD, amount: "5"}
`

func isolateConfig(t *testing.T) {
	t.Helper()
	old := ConfigPath
	ConfigPath = filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { ConfigPath = old })
}

func withOutput(t *testing.T, format string) {
	t.Helper()
	old := OutputFormat
	OutputFormat = format
	t.Cleanup(func() { OutputFormat = old })
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandConstructors(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		use  string
		flag string
	}{
		{NewRunCmd(), "run [scenario.yaml...]", "bundled"},
		{NewInspectCmd(), "inspect <unit-id|owner-address>", "journal"},
		{NewBalanceCmd(), "balance <unit-id>", "api"},
		{NewEventsCmd(), "events", "after"},
		{NewStatusCmd(), "status", "api"},
		{NewConfigCmd(), "config", ""},
		{NewWalletCmd(), "wallet", ""},
		{NewVersionCmd(), "version", ""},
	}
	for _, tt := range tests {
		if tt.cmd.Use != tt.use {
			t.Errorf("Use mismatch: got %s, want %s", tt.cmd.Use, tt.use)
		}
		if tt.flag != "" && tt.cmd.Flags().Lookup(tt.flag) == nil {
			t.Errorf("%s: --%s flag should exist", tt.use, tt.flag)
		}
	}

	wallet := NewWalletCmd()
	for _, sub := range []string{"create", "import", "show", "store-password", "forget-password"} {
		if c, _, err := wallet.Find([]string{sub}); err != nil || c.Name() != sub {
			t.Errorf("wallet %s subcommand missing", sub)
		}
	}
}

func TestRun_Bundled(t *testing.T) {
	isolateConfig(t)
	var out bytes.Buffer
	if err := runScenarios(context.Background(), &out, nil, runFlags{bundled: true}); err != nil {
		t.Fatalf("bundled scenarios failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "scenarios passed") {
		t.Errorf("missing summary:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "PASS") || strings.Contains(out.String(), "FAIL") {
		t.Errorf("unexpected badges:\n%s", out.String())
	}
}

func TestRun_JSON(t *testing.T) {
	withOutput(t, "json")
	path := filepath.Join(t.TempDir(), "one.yaml")
	if err := os.WriteFile(path, []byte(oneScenario), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runScenarios(context.Background(), &out, []string{path}, runFlags{}); err != nil {
		t.Fatalf("runScenarios: %v", err)
	}
	var results []jsonScenario
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(results) != 1 || !results[0].Passed || len(results[0].Steps) != 5 {
		t.Errorf("results = %+v", results)
	}
}

func TestRun_FailingScenario(t *testing.T) {
	bad := strings.Replace(oneScenario, `amount: "20"}`, `amount: "20", expect: {revert: "never"}}`, 1)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := runScenarios(context.Background(), &out, []string{path}, runFlags{})
	if err == nil || !strings.Contains(err.Error(), "1 of 1 scenarios failed") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out.String(), "expected revert") {
		t.Errorf("failure detail missing:\n%s", out.String())
	}
}

func TestRun_NoScenarios(t *testing.T) {
	if err := runScenarios(context.Background(), &bytes.Buffer{}, nil, runFlags{}); err == nil {
		t.Error("expected error without scenarios")
	}
}

func TestRun_JournalThenInspect(t *testing.T) {
	isolateConfig(t)
	dir := t.TempDir()
	scPath := filepath.Join(dir, "one.yaml")
	jPath := filepath.Join(dir, "journal.db")
	if err := os.WriteFile(scPath, []byte(oneScenario), 0644); err != nil {
		t.Fatal(err)
	}

	if err := runScenarios(context.Background(), &bytes.Buffer{}, []string{scPath}, runFlags{journal: jPath}); err != nil {
		t.Fatalf("run with journal: %v", err)
	}

	err := runScenarios(context.Background(), &bytes.Buffer{}, []string{scPath}, runFlags{journal: jPath})
	if err == nil || !strings.Contains(err.Error(), "already holds") {
		t.Errorf("second run into same journal: err = %v", err)
	}
	err = runScenarios(context.Background(), &bytes.Buffer{}, nil, runFlags{bundled: true, journal: filepath.Join(dir, "other.db")})
	if err == nil {
		t.Error("journal with many scenarios should fail")
	}

	src, err := openJournalSource(context.Background(), jPath)
	if err != nil {
		t.Fatalf("openJournalSource: %v", err)
	}
	defer src.Close()

	u, err := src.Unit(context.Background(), 1)
	if err != nil {
		t.Fatalf("Unit: %v", err)
	}
	if len(u.Balances) != 1 || u.Balances[0].Amount.Cmp(token.Ether(15)) != 0 {
		t.Errorf("unit 1 balances = %+v", u.Balances)
	}
	if len(u.Children) != 1 || u.Children[0] != 2 {
		t.Errorf("children = %v", u.Children)
	}
	if _, err := src.Unit(context.Background(), 9); !errors.Is(err, errNotFound) {
		t.Errorf("missing unit err = %v", err)
	}

	withOutput(t, "plain")
	out, err := execute(t, NewEventsCmd(), "--journal", jPath, "--unit", "2")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for _, kind := range []string{"DerivedTokenMinted", "TransferERC20"} {
		if !strings.Contains(out, kind) {
			t.Errorf("events output missing %s:\n%s", kind, out)
		}
	}

	out, err = execute(t, NewInspectCmd(), "--journal", jPath, "2")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out, "Parent:        1") {
		t.Errorf("inspect output:\n%s", out)
	}
}

func newAPIFixture(t *testing.T) (*httptest.Server, common.Address) {
	t.Helper()
	custody := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usd := token.NewMemory(common.HexToAddress("0x00000000000000000000000000000000000000e1"), "USD", "USD")
	if err := usd.Mint(alice, token.Ether(10)); err != nil {
		t.Fatal(err)
	}
	if err := usd.Approve(alice, custody, token.Ether(10)); err != nil {
		t.Fatal(err)
	}

	ledger := box.New(box.Config{Custody: custody, ChildDeposits: true}, token.NewRegistry(usd.Bind(custody)))
	ctx := context.Background()
	id, err := ledger.Mint(ctx, alice, alice)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Deposit(ctx, alice, id, usd.Address(), token.Ether(3)); err != nil {
		t.Fatal(err)
	}

	srv := api.NewServer(api.DefaultServerConfig(), ledger, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, alice
}

func TestAPISource(t *testing.T) {
	ts, alice := newAPIFixture(t)
	src := newAPISource(strings.TrimPrefix(ts.URL, "http://"))
	defer src.Close()
	ctx := context.Background()

	u, err := src.Unit(ctx, 1)
	if err != nil {
		t.Fatalf("Unit: %v", err)
	}
	if u.Owner != alice || len(u.Balances) != 1 || u.Balances[0].Amount.Cmp(token.Ether(3)) != 0 {
		t.Errorf("unit = %+v", u)
	}
	if _, err := src.Unit(ctx, 5); !errors.Is(err, errNotFound) {
		t.Errorf("missing unit err = %v", err)
	}

	ids, err := src.UnitsOfOwner(ctx, alice)
	if err != nil || len(ids) != 1 || ids[0] != types.UnitID(1) {
		t.Errorf("UnitsOfOwner = %v, %v", ids, err)
	}

	stats, err := src.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveUnits != 1 || stats.Seq != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBalanceCmd_API(t *testing.T) {
	ts, _ := newAPIFixture(t)
	withOutput(t, "json")

	out, err := execute(t, NewBalanceCmd(), "--api", ts.URL, "1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	var balances []types.TokenBalance
	if err := json.Unmarshal([]byte(out), &balances); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(balances) != 1 || balances[0].Amount.Cmp(token.Ether(3)) != 0 {
		t.Errorf("balances = %+v", balances)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	isolateConfig(t)
	t.Setenv("HOME", t.TempDir())

	out, err := execute(t, NewConfigCmd(), "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, ConfigPath) {
		t.Errorf("init output: %s", out)
	}
	if _, err := execute(t, NewConfigCmd(), "init"); err == nil {
		t.Error("second init without --force should fail")
	}
	if _, err := execute(t, NewConfigCmd(), "validate"); err != nil {
		t.Errorf("validate: %v", err)
	}

	if err := os.WriteFile(ConfigPath, []byte("ledger:\n  backend: paper\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, NewConfigCmd(), "validate"); err == nil {
		t.Error("validate should reject an unknown backend")
	}
}

func TestRenderTablePlain(t *testing.T) {
	out := renderTablePlain([]string{"A", "Long"}, [][]string{{"1", "x"}, {"22", "yy"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[1], "--  ----") {
		t.Errorf("separator = %q", lines[1])
	}
}

func TestPrompter_PipedInput(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("short\nshort\nlongenough\nlongenough\n"))
	cmd.SetErr(&bytes.Buffer{})

	pw, err := newPrompter(cmd).newPassword()
	if err != nil {
		t.Fatalf("newPassword: %v", err)
	}
	if pw != "longenough" {
		t.Errorf("password = %q", pw)
	}
}

func TestApplyInitAnswers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		answers initAnswers
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name:    "empty answers keep defaults",
			answers: initAnswers{},
			check: func(t *testing.T, cfg *config.Config) {
				def := config.DefaultConfig()
				if cfg.Ledger.Backend != def.Ledger.Backend || cfg.API.Addr != def.API.Addr {
					t.Errorf("cfg = %+v", cfg)
				}
			},
		},
		{
			name: "chain backend",
			answers: initAnswers{
				Backend:      config.BackendChain,
				RPCURL:       "https://rpc.example.org",
				ChainID:      "8453",
				APIAddr:      "0.0.0.0:9000",
				EnableWrites: true,
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Ledger.Backend != config.BackendChain || cfg.Chain.ChainID != 8453 {
					t.Errorf("chain = %+v", cfg.Chain)
				}
				if cfg.Chain.RPCURL != "https://rpc.example.org" || cfg.API.Addr != "0.0.0.0:9000" {
					t.Errorf("rpc = %s, addr = %s", cfg.Chain.RPCURL, cfg.API.Addr)
				}
				if !cfg.API.EnableWrites {
					t.Error("writes should be enabled")
				}
			},
		},
		{name: "bad rpc url", answers: initAnswers{RPCURL: "ftp://node"}, wantErr: true},
		{name: "bad chain id", answers: initAnswers{ChainID: "-1"}, wantErr: true},
		{name: "bad listen port", answers: initAnswers{APIAddr: "localhost:70000"}, wantErr: true},
		{name: "unknown backend", answers: initAnswers{Backend: "paper"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			err := applyInitAnswers(cfg, tt.answers)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("applyInitAnswers: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestConfigInit_InteractiveNeedsTerminal(t *testing.T) {
	isolateConfig(t)
	withOutput(t, "plain")
	t.Setenv("HOME", t.TempDir())

	if _, err := execute(t, NewConfigCmd(), "init", "--interactive"); err == nil {
		t.Fatal("interactive init without a terminal should fail")
	}
	if _, err := os.Stat(ConfigPath); !os.IsNotExist(err) {
		t.Errorf("config file written: %v", err)
	}
}

func TestWithSpinner_Plain(t *testing.T) {
	withOutput(t, "plain")
	var buf bytes.Buffer
	want := errors.New("boom")
	if err := WithSpinner(&buf, "Working", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
	if buf.String() != "Working...\n" {
		t.Errorf("output = %q", buf.String())
	}
}
