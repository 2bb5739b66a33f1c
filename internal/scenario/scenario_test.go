package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/pkg/types"
)

func TestBundled_AllPass(t *testing.T) {
	suites, err := Bundled()
	if err != nil {
		t.Fatalf("Bundled: %v", err)
	}
	if len(suites) == 0 {
		t.Fatal("no bundled scenarios")
	}

	for _, suite := range suites {
		for _, sc := range suite.Scenarios {
			t.Run(suite.Name+"/"+sc.Name, func(t *testing.T) {
				report, err := Run(context.Background(), sc)
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				for _, step := range report.Steps {
					for _, f := range step.Failures {
						t.Errorf("step %d (%s by %s): %s", step.Index, step.Action, step.Actor, f)
					}
				}
				if len(report.Steps) != len(sc.Steps) {
					t.Errorf("ran %d steps, want %d", len(report.Steps), len(sc.Steps))
				}
			})
		}
	}
}

func TestBundled_CoversEveryAction(t *testing.T) {
	suites, err := Bundled()
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, suite := range suites {
		for _, sc := range suite.Scenarios {
			for _, st := range sc.Steps {
				seen[st.Action] = true
			}
		}
	}
	for _, action := range []string{
		ActionApprove, ActionTransferToken, ActionMint, ActionDeposit, ActionUnpack,
		ActionDerive, ActionMoveToChild, ActionTransferUnit, ActionApproveAll,
	} {
		if !seen[action] {
			t.Errorf("no bundled scenario uses %s", action)
		}
	}
}

const header = `
accounts: [alice, bob]
tokens:
  - name: USD
    balances: {alice: "100"}
`

func parseOne(t *testing.T, doc string) *Scenario {
	t.Helper()
	all, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("parsed %d scenarios, want 1", len(all))
	}
	return all[0]
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no name", header + "steps: []\n"},
		{"unknown field", "name: x\nbogus: 1\n"},
		{"reserved account", "name: x\naccounts: [box]\n"},
		{"duplicate account", "name: x\naccounts: [a, a]\n"},
		{"unknown balance holder", "name: x\ntokens: [{name: USD, balances: {carol: \"1\"}}]\n"},
		{"bad balance", "name: x\naccounts: [a]\ntokens: [{name: USD, balances: {a: \"-1\"}}]\n"},
		{"fee without token", "name: x\nledger: {mint_fee: \"1\"}\n"},
		{"unknown actor", "name: x" + header + "steps: [{actor: carol, action: mint}]\n"},
		{"unknown action", "name: x" + header + "steps: [{actor: alice, action: fly}]\n"},
		{"deposit unknown token", "name: x" + header + "steps: [{actor: alice, action: deposit, unit: 1, token: EUR, amount: \"1\"}]\n"},
		{"deposit bad amount", "name: x" + header + "steps: [{actor: alice, action: deposit, unit: 1, token: USD, amount: \"ten\"}]\n"},
		{"move without child", "name: x" + header + "steps: [{actor: alice, action: move_to_child, unit: 1, token: USD, amount: \"1\"}]\n"},
		{"derive without to", "name: x" + header + "steps: [{actor: alice, action: derive, unit: 1}]\n"},
		{"expect unknown owner", "name: x" + header + "steps: [{actor: alice, action: mint, expect: {owner: {1: carol}}}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse_ValidationErrorsWrapErrInvalid(t *testing.T) {
	_, err := Parse([]byte("name: x\naccounts: [zero]\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two.yaml")
	doc := "name: one" + header + "---\nname: two" + header
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	all, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(all) != 2 || all[0].Name != "one" || all[1].Name != "two" {
		t.Fatalf("loaded %+v", all)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	sc := parseOne(t, "name: wrong"+header+`
steps:
  - {actor: alice, action: mint, expect: {unit: 2}}
  - {actor: alice, action: deposit, unit: 1, token: USD, amount: "5", expect: {revert: "nope"}}
  - {actor: alice, action: deposit, unit: 1, token: USD, amount: "5"}
  - actor: bob
    action: deposit
    unit: 1
    token: USD
    amount: "1"
    expect:
      revert: "Only Box owner can perform this action"
      unit_balance: [{unit: 1, token: USD, amount: "7"}]
      owner: {1: bob}
`)
	report, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed() {
		t.Fatal("report should fail")
	}

	// step 1: wrong unit id; step 2: no revert; step 3: allowance missing
	// so it reverts unexpectedly; step 4: revert matches but state is wrong.
	wantFailures := []int{1, 1, 1, 2}
	for i, step := range report.Steps {
		if len(step.Failures) != wantFailures[i] {
			t.Errorf("step %d failures = %v, want %d", step.Index, step.Failures, wantFailures[i])
		}
	}
	if report.Failed() != 4 {
		t.Errorf("Failed() = %d, want 4", report.Failed())
	}
	if got := report.Steps[2].Reason; got != "ERC20: transfer amount exceeds allowance" {
		t.Errorf("step 3 reason = %q", got)
	}
}

func TestRun_NoFeeLedgerAndPolicies(t *testing.T) {
	sc := parseOne(t, "name: policy\nledger: {child_deposits: false, base_uri: \"u/\"}"+header+`
steps:
  - {actor: alice, action: approve, token: USD, amount: "100"}
  - {actor: alice, action: mint, expect: {unit: 1, uri: {1: u/1}, token_balance: [{account: box, token: USD, amount: "0"}]}}
  - {actor: alice, action: derive, unit: 1, to: bob, expect: {unit: 2}}
  - {actor: bob, action: deposit, unit: 2, token: USD, amount: "1", expect: {revert: "Child tokens cannot receive direct deposits"}}
  - {actor: alice, action: deposit, unit: 1, token: USD, amount: "0", expect: {revert: "Amount must be greater than zero"}}
  - {actor: alice, action: approve_unit, unit: 1, to: bob}
  - {actor: bob, action: transfer_unit, from: alice, to: bob, unit: 1, expect: {owner: {1: bob}, units_of: {bob: [1, 2], alice: []}}}
`)
	report, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range report.Steps {
		for _, f := range step.Failures {
			t.Errorf("step %d: %s", step.Index, f)
		}
	}
	if report.Ledger.TotalSupply() != 2 {
		t.Errorf("total supply = %d, want 2", report.Ledger.TotalSupply())
	}
	if report.Accounts["bob"] == report.Accounts["alice"] {
		t.Error("accounts should have distinct addresses")
	}
}

func TestRun_Sinks(t *testing.T) {
	sc := parseOne(t, "name: sinks"+header+`
steps:
  - {actor: alice, action: mint}
  - {actor: alice, action: derive, unit: 1, to: bob}
`)
	var kinds []string
	sink := box.SinkFunc(func(_ context.Context, ev types.Event) error {
		kinds = append(kinds, string(ev.Kind))
		return nil
	})
	report, err := Run(context.Background(), sc, WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}
	if !report.Passed() {
		t.Fatalf("report failed: %+v", report.Steps)
	}
	if strings.Join(kinds, ",") != "TokenMinted,DerivedTokenMinted" {
		t.Errorf("sink saw %v", kinds)
	}
	if len(report.Steps[1].Events) != 1 {
		t.Errorf("step 2 events = %d, want 1", len(report.Steps[1].Events))
	}
}

func TestRun_DurableSinkFailure(t *testing.T) {
	sc := parseOne(t, "name: durable"+header+`
steps:
  - {actor: alice, action: mint}
  - {actor: alice, action: mint}
  - {actor: alice, action: mint}
`)
	calls := 0
	sink := box.SinkFunc(func(_ context.Context, ev types.Event) error {
		calls++
		if ev.Seq == 2 {
			return errors.New("disk full")
		}
		return nil
	})
	report, err := Run(context.Background(), sc, WithDurableSink(sink))
	if !errors.Is(err, box.ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
	if len(report.Steps) != 2 || calls != 2 {
		t.Errorf("ran %d steps with %d sink calls, want 2 and 2", len(report.Steps), calls)
	}
}

func TestRun_Canceled(t *testing.T) {
	sc := parseOne(t, "name: canceled"+header+"steps: [{actor: alice, action: mint}]\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := Run(ctx, sc)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(report.Steps) != 0 {
		t.Errorf("ran %d steps after cancel", len(report.Steps))
	}
}

func TestAccountAddress(t *testing.T) {
	a1, err := AccountAddress("alice")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := AccountAddress("alice")
	b, _ := AccountAddress("bob")
	if a1 != a2 {
		t.Error("derivation should be deterministic")
	}
	if a1 == b {
		t.Error("different names should give different addresses")
	}
	if TokenAddress("USD") == TokenAddress("EUR") {
		t.Error("token addresses should differ")
	}
}
