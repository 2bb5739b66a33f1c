package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// UnitID identifies a box unit. IDs start at 1; 0 means "no unit".
type UnitID uint64

// NoUnit is the zero UnitID, used as the parent of root units.
const NoUnit UnitID = 0

// String returns the decimal form of the ID
func (id UnitID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseUnitID parses a decimal unit ID
func ParseUnitID(s string) (UnitID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoUnit, fmt.Errorf("invalid unit id %q: %w", s, err)
	}
	return UnitID(v), nil
}

// TokenBalance is the escrowed amount of one fungible asset held by a unit
type TokenBalance struct {
	Amount *big.Int       `json:"amount"`
	Asset  common.Address `json:"asset"`
}

// MarshalJSON encodes the amount as a decimal string so uint256 values survive
// JSON consumers that parse numbers as float64.
func (tb TokenBalance) MarshalJSON() ([]byte, error) {
	amount := "0"
	if tb.Amount != nil {
		amount = tb.Amount.String()
	}
	return json.Marshal(struct {
		Amount string         `json:"amount"`
		Asset  common.Address `json:"asset"`
	}{amount, tb.Asset})
}

// UnmarshalJSON accepts the decimal string form written by MarshalJSON
func (tb *TokenBalance) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount string         `json:"amount"`
		Asset  common.Address `json:"asset"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid token amount %q", raw.Amount)
	}
	tb.Amount = amount
	tb.Asset = raw.Asset
	return nil
}

// Unit is a read-only snapshot of a box unit
type Unit struct {
	ID       UnitID         `json:"id"`
	Owner    common.Address `json:"owner"`
	Parent   UnitID         `json:"parent"`
	Children []UnitID       `json:"children"`
	Balances []TokenBalance `json:"balances"`
	Burned   bool           `json:"burned"`
	URI      string         `json:"uri"`
}

// EventKind names a committed ledger event
type EventKind string

const (
	EventMinted             EventKind = "TokenMinted"
	EventReceived           EventKind = "ReceivedERC20"
	EventWithdrawn          EventKind = "WithdrawnERC20"
	EventUnpacked           EventKind = "Unpacked"
	EventDerived            EventKind = "DerivedTokenMinted"
	EventTransferredToChild EventKind = "TransferERC20"
	EventTransfer           EventKind = "Transfer"
	EventApproval           EventKind = "Approval"
	EventApprovalForAll     EventKind = "ApprovalForAll"
)

// IsValid reports whether k is a known event kind
func (k EventKind) IsValid() bool {
	switch k {
	case EventMinted, EventReceived, EventWithdrawn, EventUnpacked, EventDerived,
		EventTransferredToChild, EventTransfer, EventApproval, EventApprovalForAll:
		return true
	}
	return false
}

// Event is a committed state change. Which fields are meaningful depends on Kind:
//
//	TokenMinted         Owner, Unit
//	ReceivedERC20       Owner, Unit, Asset, Amount
//	WithdrawnERC20      Unit, To, Asset, Amount
//	Unpacked            Owner, Unit, To
//	DerivedTokenMinted  Owner, To (new owner), Parent, Unit (child)
//	TransferERC20       Parent, Unit (child), Asset, Amount
//	Transfer            Owner (from), To, Unit
//	Approval            Owner, To (approved), Unit
//	ApprovalForAll      Owner, To (operator), Approved
type Event struct {
	Seq      uint64         `json:"seq"`
	Kind     EventKind      `json:"kind"`
	Unit     UnitID         `json:"unit"`
	Parent   UnitID         `json:"parent,omitempty"`
	Owner    common.Address `json:"owner"`
	To       common.Address `json:"to"`
	Asset    common.Address `json:"asset"`
	Amount   *big.Int       `json:"amount,omitempty"`
	Approved bool           `json:"approved,omitempty"`
	Time     time.Time      `json:"time"`
}

// AmountString returns the amount as a decimal string ("0" if unset)
func (e Event) AmountString() string {
	if e.Amount == nil {
		return "0"
	}
	return e.Amount.String()
}
