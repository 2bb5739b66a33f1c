package token

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/encabox/encabox/internal/box"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNotRegistered is returned for assets the registry does not know
var ErrNotRegistered = errors.New("asset not registered")

// Registry resolves asset addresses for the ledger
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]box.Asset
}

// NewRegistry creates a registry holding assets
func NewRegistry(assets ...box.Asset) *Registry {
	r := &Registry{assets: make(map[common.Address]box.Asset)}
	for _, a := range assets {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an asset
func (r *Registry) Register(a box.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.Address()] = a
}

// Asset implements box.Assets
func (r *Registry) Asset(addr common.Address) (box.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[addr]
	if !ok {
		return nil, ErrNotRegistered
	}
	return a, nil
}

// Addresses returns the registered asset addresses in byte order
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.assets))
	for addr := range r.assets {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
