package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/encabox/encabox/internal/api"
	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/chain"
	"github.com/encabox/encabox/internal/config"
	"github.com/encabox/encabox/internal/journal"
	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/metrics"
	"github.com/encabox/encabox/internal/scenario"
	"github.com/encabox/encabox/internal/token"
	"github.com/encabox/encabox/internal/util"
	"github.com/encabox/encabox/internal/wallet"
)

const shutdownTimeout = 15 * time.Second

// daemon owns everything boxd runs
type daemon struct {
	cfg     *config.Config
	ledger  *box.Ledger
	store   *journal.Store
	chain   *chain.Client
	metrics *metrics.PrometheusCollector
	server  *api.Server
}

func run(ctx context.Context, configPath, seedPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level); err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, seedPath)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.start(ctx); err != nil {
		return err
	}
	util.SafeGoWithName("reconcile", func() { d.reconcileLoop(ctx) })
	util.SafeGoWithName("config-watch", func() {
		if err := config.Watch(ctx, configPath, d.reload); err != nil {
			logging.Warn("config watch stopped", logging.Err(err), logging.Component("boxd"))
		}
	})

	<-ctx.Done()
	logging.Info("shutting down", logging.Component("boxd"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.stop(shutdownCtx)
}

// newDaemon opens the journal, rebuilds the ledger and prepares the API
// server without starting it.
func newDaemon(ctx context.Context, cfg *config.Config, seedPath string) (*daemon, error) {
	d := &daemon{cfg: cfg}
	if cfg.API.EnableMetrics {
		d.metrics = metrics.NewPrometheusCollector(metrics.NewCollector())
	}
	if cfg.Journal.Enabled {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		store, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		d.store = store
	}

	var err error
	if seedPath != "" {
		err = d.seed(ctx, seedPath)
	} else {
		err = d.restore(ctx)
	}
	if err != nil {
		d.close()
		return nil, err
	}

	d.server = api.NewServer(&api.ServerConfig{
		Addr:              cfg.API.Addr,
		RateLimit:         cfg.API.RateLimit,
		RateLimitBurst:    cfg.API.RateLimitBurst,
		TrustProxy:        cfg.API.TrustProxy,
		EnableCORS:        cfg.API.EnableCORS,
		AllowedOrigins:    cfg.API.AllowedOrigins,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		EnableWebSocket:   cfg.API.EnableWebSocket,
		EnableWrites:      cfg.API.EnableWrites,
	}, d.ledger, d.eventSource())
	if d.metrics != nil {
		d.server.SetMetrics(d.metrics)
	}
	if cfg.API.EnableWrites {
		d.server.SetMutator(d.ledger)
	}
	if hub := d.server.Hub(); hub != nil {
		d.ledger.AddSink(hub)
	}
	return d, nil
}

// restore builds the configured ledger and replays the journal into it
func (d *daemon) restore(ctx context.Context) error {
	assets, custody, err := d.openAssets(ctx)
	if err != nil {
		return err
	}
	ledgerCfg, err := d.ledgerConfig(custody)
	if err != nil {
		return err
	}
	d.ledger = box.New(ledgerCfg, assets)

	if d.store != nil {
		start := time.Now()
		n, err := d.store.Replay(ctx, d.ledger)
		if err != nil {
			return err
		}
		logging.Info("journal replayed",
			"events", n,
			"live_units", d.ledger.TotalSupply(),
			"duration", time.Since(start),
			logging.Component("boxd"))
		d.ledger.AddDurableSink(d.store)
	}
	if d.metrics != nil {
		d.ledger.SetObserver(d.metrics)
	}
	return nil
}

// seed runs a scenario into the empty journal and keeps its ledger
func (d *daemon) seed(ctx context.Context, path string) error {
	scenarios, err := scenario.Load(path)
	if err != nil {
		return err
	}
	if len(scenarios) != 1 {
		return fmt.Errorf("seed %s: want exactly one scenario, got %d", path, len(scenarios))
	}

	var opts []scenario.Option
	if d.store != nil {
		last, err := d.store.LastSeq(ctx)
		if err != nil {
			return err
		}
		if last != 0 {
			return fmt.Errorf("seed: journal %s already holds %d events", d.store.Path(), last)
		}
		opts = append(opts, scenario.WithDurableSink(d.store))
	}
	if d.metrics != nil {
		opts = append(opts, scenario.WithObserver(d.metrics))
	}

	report, err := scenario.Run(ctx, scenarios[0], opts...)
	if err != nil {
		return err
	}
	if !report.Passed() {
		return fmt.Errorf("seed scenario %q: %d steps failed", report.Scenario, report.Failed())
	}
	logging.Info("ledger seeded",
		"scenario", report.Scenario,
		"steps", len(report.Steps),
		"seq", report.Ledger.Seq(),
		logging.Component("boxd"))
	d.ledger = report.Ledger
	return nil
}

// openAssets builds the asset registry for the configured backend and
// returns the custody address the assets act as.
func (d *daemon) openAssets(ctx context.Context) (*token.Registry, common.Address, error) {
	switch d.cfg.Ledger.Backend {
	case config.BackendChain:
		return d.openChainAssets(ctx)
	default:
		return d.openMemoryAssets()
	}
}

func (d *daemon) openMemoryAssets() (*token.Registry, common.Address, error) {
	custody, err := d.custody()
	if err != nil {
		return nil, common.Address{}, err
	}
	reg := token.NewRegistry()
	for _, a := range d.cfg.Ledger.Assets {
		mem := token.NewMemory(common.HexToAddress(a), "", "")
		reg.Register(mem.Bind(custody))
	}
	return reg, custody, nil
}

func (d *daemon) openChainAssets(ctx context.Context) (*token.Registry, common.Address, error) {
	w, err := wallet.Open(d.cfg.Wallet.KeystoreFile, wallet.PasswordSource{
		File:       d.cfg.Wallet.PasswordFile,
		UseKeyring: d.cfg.Wallet.UseKeyring,
		Keyring:    wallet.KeyringConfig{Service: d.cfg.Wallet.KeyringService},
	})
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("open custody wallet: %w", err)
	}
	if want := strings.TrimSpace(d.cfg.Ledger.Custody); want != "" && common.HexToAddress(want) != w.Address() {
		w.Clear()
		return nil, common.Address{}, fmt.Errorf("wallet %s does not match ledger.custody %s", w.Address().Hex(), want)
	}

	// the client keeps the key for signing
	client := chain.New(chainConfig(d.cfg.Chain), w.PrivateKey())
	if err := client.Connect(ctx); err != nil {
		return nil, common.Address{}, err
	}
	d.chain = client

	reg := token.NewRegistry()
	for _, a := range d.cfg.Ledger.Assets {
		c, err := token.NewContract(client, common.HexToAddress(a))
		if err != nil {
			return nil, common.Address{}, err
		}
		reg.Register(c)
	}
	logging.Info("chain connected",
		logging.Address("custody", client.Address()),
		"chain_id", client.ChainID().String(),
		"assets", len(d.cfg.Ledger.Assets),
		logging.Component("boxd"))
	return reg, client.Address(), nil
}

// custody returns the configured custody address, or the scenario custody
// account when none is set.
func (d *daemon) custody() (common.Address, error) {
	if c := strings.TrimSpace(d.cfg.Ledger.Custody); c != "" {
		return common.HexToAddress(c), nil
	}
	return scenario.AccountAddress(scenario.Custody)
}

func (d *daemon) ledgerConfig(custody common.Address) (box.Config, error) {
	fee, err := d.cfg.MintFeeAmount()
	if err != nil {
		return box.Config{}, err
	}
	lc := box.Config{
		Name:          d.cfg.Ledger.Name,
		Symbol:        d.cfg.Ledger.Symbol,
		BaseURI:       d.cfg.Ledger.BaseURI,
		Custody:       custody,
		ChildDeposits: d.cfg.Ledger.ChildDeposits,
	}
	if fee.Sign() > 0 {
		lc.MintFee = fee
		lc.FeeAsset = common.HexToAddress(d.cfg.Ledger.FeeAsset)
	}
	return lc, nil
}

func chainConfig(c config.ChainConfig) *chain.Config {
	cc := chain.DefaultConfig()
	cc.RPCURL = c.RPCURL
	cc.ChainID = c.ChainID
	cc.Confirmations = int(c.Confirmations)
	if c.PollInterval > 0 {
		cc.PollInterval = c.PollInterval
	}
	if c.WaitTimeout > 0 {
		cc.WaitTimeout = c.WaitTimeout
	}
	if c.MaxGasPriceGwei > 0 {
		cc.MaxGasPrice = new(big.Int).Mul(big.NewInt(c.MaxGasPriceGwei), big.NewInt(1e9))
	} else {
		cc.MaxGasPrice = nil
	}
	cc.Retry.MaxRetries = c.MaxRetries
	return cc
}

func (d *daemon) eventSource() api.EventSource {
	if d.store == nil {
		return nil
	}
	return d.store
}

func (d *daemon) start(ctx context.Context) error {
	if !d.cfg.API.Enabled {
		logging.Info("API disabled", logging.Component("boxd"))
		return nil
	}
	if err := d.server.Start(ctx); err != nil {
		return err
	}
	logging.Info("boxd started",
		"addr", d.server.Addr(),
		"backend", d.cfg.Ledger.Backend,
		"seq", d.ledger.Seq(),
		"journal", d.cfg.Journal.Enabled,
		logging.Component("boxd"))
	return nil
}

// reconcileLoop settles transfers the ledger parked as pending
func (d *daemon) reconcileLoop(ctx context.Context) {
	interval := d.cfg.Chain.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcile(ctx)
		}
	}
}

// reconcile runs one settlement pass and returns how many transfers remain
func (d *daemon) reconcile(ctx context.Context) int {
	if len(d.ledger.PendingTransfers()) == 0 {
		return 0
	}
	left, err := d.ledger.Reconcile(ctx)
	if err != nil {
		logging.Warn("reconcile incomplete", "pending", left, logging.Err(err), logging.Component("boxd"))
		return left
	}
	if left == 0 {
		logging.Info("pending transfers settled", "seq", d.ledger.Seq(), logging.Component("boxd"))
	}
	return left
}

// reload applies the settings that can change without a restart
func (d *daemon) reload(cfg *config.Config) {
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		logging.Warn("ignoring log level", logging.Err(err), logging.Component("boxd"))
		return
	}
	if lvl != logging.Level() {
		logging.SetLevel(lvl)
		logging.Info("log level changed", "level", lvl.String(), logging.Component("boxd"))
	}
}

func (d *daemon) stop(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	return d.server.Stop(ctx)
}

func (d *daemon) close() {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.chain != nil {
		d.chain.Close()
	}
	if err := errors.Join(errs...); err != nil {
		logging.Error("close failed", logging.Err(err), logging.Component("boxd"))
	}
}
