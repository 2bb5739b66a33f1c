package api

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/encabox/encabox/internal/logging"
)

// Wallet auth headers carried by every write request
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletMessage   = "X-Wallet-Message"
)

const (
	authPrefix = "encabox-auth"
	// authMaxAge is how old a signed message may be
	authMaxAge = 5 * time.Minute
	// authMaxSkew is how far in the future a client clock may run
	authMaxSkew = time.Minute
)

var (
	errAuthMissing = errors.New("wallet authentication required")
	errAuthReplay  = errors.New("auth message already used")
)

// AuthMessage returns the message a wallet signs to send body at ts. It
// binds the signature to the request body so it cannot be reused for a
// different call.
func AuthMessage(ts time.Time, body []byte) string {
	return fmt.Sprintf("%s:%d:%s", authPrefix, ts.Unix(), crypto.Keccak256Hash(body).Hex())
}

// SignMessage produces an EIP-191 personal signature over message
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(personalHash(message).Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("sign auth message: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest sets the wallet auth headers on req for body
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	msg := AuthMessage(now, body)
	sig, err := SignMessage(key, msg)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderWalletAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderWalletSignature, sig)
	req.Header.Set(HeaderWalletMessage, msg)
	return nil
}

func personalHash(message string) common.Hash {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256Hash([]byte(prefixed))
}

// walletAuth verifies stateless per-request wallet signatures. Each signed
// message is accepted once while it is fresh.
type walletAuth struct {
	mu   sync.Mutex
	used map[string]time.Time // signature -> expiry
	now  func() time.Time
}

func newWalletAuth() *walletAuth {
	return &walletAuth{used: make(map[string]time.Time), now: time.Now}
}

// verify checks the auth headers against body and returns the signer
func (a *walletAuth) verify(r *http.Request, body []byte) (common.Address, error) {
	claimed := r.Header.Get(HeaderWalletAddress)
	signature := r.Header.Get(HeaderWalletSignature)
	message := r.Header.Get(HeaderWalletMessage)
	if claimed == "" || signature == "" || message == "" {
		return common.Address{}, errAuthMissing
	}

	parts := strings.Split(message, ":")
	if len(parts) != 3 || parts[0] != authPrefix {
		return common.Address{}, fmt.Errorf("malformed auth message")
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("malformed auth timestamp")
	}
	ts := time.Unix(unix, 0)
	now := a.now()
	if now.Sub(ts) > authMaxAge || ts.Sub(now) > authMaxSkew {
		return common.Address{}, fmt.Errorf("auth message timestamp expired or invalid")
	}
	if !strings.EqualFold(parts[2], crypto.Keccak256Hash(body).Hex()) {
		return common.Address{}, fmt.Errorf("auth message does not match request body")
	}

	addr, err := verifySignature(message, signature, claimed)
	if err != nil {
		return common.Address{}, err
	}

	key := strings.ToLower(signature)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.used[key]; seen {
		return common.Address{}, errAuthReplay
	}
	a.used[key] = ts.Add(authMaxAge)
	return addr, nil
}

// cleanup forgets signatures whose messages can no longer be accepted
func (a *walletAuth) cleanup() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for sig, exp := range a.used {
		if now.After(exp) {
			delete(a.used, sig)
			n++
		}
	}
	return n
}

// verifySignature recovers the signer of an EIP-191 message and checks it
// against the claimed address
func verifySignature(message, signature, claimed string) (common.Address, error) {
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("invalid claimed address format")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: expected 65, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(personalHash(message).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(claimed) {
		logging.Warn("wallet signature verification failed - address mismatch",
			"claimed", claimed,
			"recovered", recovered.Hex(),
			logging.Component("api"))
		return common.Address{}, fmt.Errorf("signature does not match claimed address")
	}
	return recovered, nil
}
