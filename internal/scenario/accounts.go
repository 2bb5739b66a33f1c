package scenario

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Reserved account names
const (
	// Custody is the ledger's own address.
	Custody = "box"
	// Zero is the zero address.
	Zero = "zero"
)

func isReserved(name string) bool {
	return name == Custody || name == Zero
}

func isHexAddress(s string) bool {
	return common.IsHexAddress(s)
}

// AccountKey derives a deterministic secp256k1 key from an account name
func AccountKey(name string) (*ecdsa.PrivateKey, error) {
	seed := crypto.Keccak256([]byte("encabox/account/" + name))
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("derive key for %q: %w", name, err)
	}
	return key, nil
}

// AccountAddress derives the address of a named account
func AccountAddress(name string) (common.Address, error) {
	key, err := AccountKey(name)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// TokenAddress derives the address of a named in-memory token
func TokenAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("encabox/token/" + name)))
}

// book maps account names to addresses for one run
type book struct {
	byName map[string]common.Address
	byAddr map[common.Address]string
}

func newBook(names []string) (*book, error) {
	b := &book{
		byName: make(map[string]common.Address, len(names)+2),
		byAddr: make(map[common.Address]string, len(names)+2),
	}
	for _, n := range append([]string{Custody}, names...) {
		addr, err := AccountAddress(n)
		if err != nil {
			return nil, err
		}
		b.byName[n] = addr
		b.byAddr[addr] = n
	}
	b.byName[Zero] = common.Address{}
	b.byAddr[common.Address{}] = Zero
	return b, nil
}

// lookup resolves a name or hex address
func (b *book) lookup(name string) (common.Address, error) {
	if addr, ok := b.byName[name]; ok {
		return addr, nil
	}
	if common.IsHexAddress(name) {
		return common.HexToAddress(name), nil
	}
	return common.Address{}, fmt.Errorf("unknown account %q", name)
}

// name returns the account name for addr, or its hex form
func (b *book) name(addr common.Address) string {
	if n, ok := b.byAddr[addr]; ok {
		return n
	}
	return addr.Hex()
}
