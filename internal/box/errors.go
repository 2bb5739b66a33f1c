package box

import (
	"errors"

	"github.com/encabox/encabox/pkg/types"
)

// Rejection reasons. The strings are the revert reasons of the Solidity
// contract so scripted expectations can match them verbatim.
var (
	ErrNotOwner          = errors.New("Only Box owner can perform this action")
	ErrNotParent         = errors.New("Only Parent token of Child token can perform this action")
	ErrInvalidBalance    = errors.New("INVALID TOKEN BALANCE")
	ErrNonexistent       = errors.New("ERC721: owner query for nonexistent token")
	ErrNotApproved       = errors.New("ERC721: transfer caller is not owner nor approved")
	ErrWrongFrom         = errors.New("ERC721: transfer from incorrect owner")
	ErrTransferToZero    = errors.New("ERC721: transfer to the zero address")
	ErrMintToZero        = errors.New("ERC721: mint to the zero address")
	ErrApproveNotAllowed = errors.New("ERC721: approve caller is not owner nor approved for all")
	ErrApproveToOwner    = errors.New("ERC721: approval to current owner")
	ErrApproveToCaller   = errors.New("ERC721: approve to caller")
	ErrChildrenHoldValue = errors.New("Child tokens still hold value")
	ErrChildDeposit      = errors.New("Child tokens cannot receive direct deposits")
	ErrZeroAmount        = errors.New("Amount must be greater than zero")
	ErrUnknownAsset      = errors.New("unknown asset")
)

// ErrHalted is returned by mutating calls after a durable sink failed or
// while an asset transfer awaits confirmation. It is not a Rejection.
var ErrHalted = errors.New("ledger halted")

// Rejection is returned by every ledger operation that refuses a call.
// Error returns only the reason; Op and ID are for logs and metrics.
type Rejection struct {
	Op  string
	ID  types.UnitID
	Err error
}

func (r *Rejection) Error() string {
	return r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(op string, id types.UnitID, err error) error {
	return &Rejection{Op: op, ID: id, Err: err}
}

// IsRejection reports whether err is a ledger rejection
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Reason returns the rejection reason carried by err, or err's message
// when it is not a rejection. It returns "" for a nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var r *Rejection
	if errors.As(err, &r) {
		return r.Err.Error()
	}
	return err.Error()
}

// ReasonLabel maps an error to a bounded label set for metrics
func ReasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotParent):
		return "not_parent"
	case errors.Is(err, ErrInvalidBalance):
		return "invalid_balance"
	case errors.Is(err, ErrNonexistent):
		return "nonexistent"
	case errors.Is(err, ErrNotApproved), errors.Is(err, ErrApproveNotAllowed):
		return "not_approved"
	case errors.Is(err, ErrWrongFrom), errors.Is(err, ErrTransferToZero), errors.Is(err, ErrMintToZero),
		errors.Is(err, ErrApproveToOwner), errors.Is(err, ErrApproveToCaller):
		return "bad_address"
	case errors.Is(err, ErrChildrenHoldValue):
		return "children_hold_value"
	case errors.Is(err, ErrChildDeposit):
		return "child_deposit"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	}
	return "asset"
}
