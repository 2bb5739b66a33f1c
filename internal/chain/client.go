// Package chain connects to an Ethereum JSON-RPC endpoint and signs
// transactions for the custody account.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/internal/util"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNotConnected is returned by calls made before Connect
var ErrNotConnected = errors.New("chain client not connected")

// ErrNoKey is returned when signing without a key
var ErrNoKey = errors.New("no signing key configured")

// ErrReverted is returned by Wait when the transaction was mined but failed
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of ethclient.Client the package uses
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// DialFunc opens a Backend for an RPC URL
type DialFunc func(ctx context.Context, rawurl string) (Backend, error)

func dialEthclient(ctx context.Context, rawurl string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Config holds connection and signing settings
type Config struct {
	RPCURL  string
	ChainID int64
	// Confirmations is the number of blocks to wait after mining
	Confirmations int
	// MaxGasPrice caps the suggested gas price (nil = no cap)
	MaxGasPrice  *big.Int
	PollInterval time.Duration
	// WaitTimeout bounds how long a sent transaction is waited on before it
	// is reported pending
	WaitTimeout time.Duration
	Retry       *util.RetryConfig
	Dial        DialFunc
}

// DefaultConfig targets a local development node
func DefaultConfig() *Config {
	return &Config{
		RPCURL:        "http://127.0.0.1:8545",
		ChainID:       31337,
		Confirmations: 1,
		MaxGasPrice:   big.NewInt(100e9), // 100 gwei
		PollInterval:  2 * time.Second,
		WaitTimeout:   10 * time.Minute,
		Retry:         &util.RetryConfig{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2.0, Jitter: 0.1, RetryIf: util.IsTransientRPCError},
	}
}

// Client is a connected, optionally signing, JSON-RPC client
type Client struct {
	config  *Config
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	nonceMu      sync.Mutex
	pendingNonce uint64

	mu sync.RWMutex
}

// New creates a client. key may be nil for read-only use.
func New(config *Config, key *ecdsa.PrivateKey) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Client{
		config:  config,
		key:     key,
		chainID: big.NewInt(config.ChainID),
	}
	if key != nil {
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// Connect dials the endpoint, verifies the chain id and loads the pending nonce
func (c *Client) Connect(ctx context.Context) error {
	dial := c.config.Dial
	if dial == nil {
		dial = dialEthclient
	}
	backend, result := util.RetryWithValue(ctx, c.config.Retry, func() (Backend, error) {
		return dial(ctx, c.config.RPCURL)
	})
	if result.LastError != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.config.RPCURL, result.LastError)
	}
	if err := c.Attach(ctx, backend); err != nil {
		backend.Close()
		return err
	}
	logging.Info("chain connected",
		logging.Component("chain"),
		"rpc", c.config.RPCURL,
		"chain_id", c.config.ChainID,
		"attempts", result.Attempts)
	return nil
}

// Attach uses an already open backend
func (c *Client) Attach(ctx context.Context, backend Backend) error {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", c.chainID, chainID)
	}

	var nonce uint64
	if c.key != nil {
		nonce, err = backend.PendingNonceAt(ctx, c.address)
		if err != nil {
			return fmt.Errorf("failed to get nonce: %w", err)
		}
	}

	c.mu.Lock()
	c.backend = backend
	c.mu.Unlock()

	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
	return nil
}

// Close closes the backend
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
}

// IsConnected reports whether Connect or Attach succeeded
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend != nil
}

// Backend returns the underlying backend, or nil before Connect
func (c *Client) Backend() Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

func (c *Client) connected() (Backend, error) {
	b := c.Backend()
	if b == nil {
		return nil, ErrNotConnected
	}
	return b, nil
}

// Address returns the signing address (zero when read-only)
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID returns the configured chain id
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Transactor returns signing options with the next local nonce and a
// capped gas price.
func (c *Client) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, ErrNoKey
	}
	backend, err := c.connected()
	if err != nil {
		return nil, err
	}

	gasPrice, result := util.RetryWithValue(ctx, c.config.Retry, func() (*big.Int, error) {
		return backend.SuggestGasPrice(ctx)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", result.LastError)
	}
	if c.config.MaxGasPrice != nil && gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(c.config.MaxGasPrice)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	c.nonceMu.Lock()
	auth.Nonce = new(big.Int).SetUint64(c.pendingNonce)
	c.pendingNonce++
	c.nonceMu.Unlock()

	return auth, nil
}

// SyncNonce reloads the pending nonce from the node, typically after a
// send failed and the local nonce was not used.
func (c *Client) SyncNonce(ctx context.Context) error {
	backend, err := c.connected()
	if err != nil {
		return err
	}
	nonce, err := backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
	return nil
}

// PendingNonce returns the next nonce Transactor will use
func (c *Client) PendingNonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.pendingNonce
}

// Wait blocks until tx is mined and has the configured confirmations
func (c *Client) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	backend, err := c.connected()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}

	if c.config.Confirmations <= 1 {
		return receipt, nil
	}
	target := receipt.BlockNumber.Uint64() + uint64(c.config.Confirmations-1)
	interval := c.config.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-ticker.C:
			current, err := backend.BlockNumber(ctx)
			if err != nil {
				logging.Debug("block number poll failed", logging.Component("chain"), logging.Err(err))
				continue
			}
			if current >= target {
				return receipt, nil
			}
		}
	}
}

// WaitTimeout returns how long senders should wait for a receipt
func (c *Client) WaitTimeout() time.Duration {
	if c.config.WaitTimeout <= 0 {
		return 10 * time.Minute
	}
	return c.config.WaitTimeout
}

// Confirmations returns the configured confirmation depth, at least 1
func (c *Client) Confirmations() int {
	if c.config.Confirmations < 1 {
		return 1
	}
	return c.config.Confirmations
}

// Receipt returns the receipt of a mined transaction, or nil while it is
// unknown to the node
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	backend, err := c.connected()
	if err != nil {
		return nil, err
	}
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	backend, err := c.connected()
	if err != nil {
		return 0, err
	}
	n, result := util.RetryWithValue(ctx, c.config.Retry, func() (uint64, error) {
		return backend.BlockNumber(ctx)
	})
	return n, result.LastError
}
