package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/logging"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// maxWriteBody caps a write request body
const maxWriteBody = 64 << 10

// Mutator is the write side of the escrow ledger. The caller of every
// operation is the wallet that signed the request.
type Mutator interface {
	Mint(ctx context.Context, caller, to common.Address) (types.UnitID, error)
	Deposit(ctx context.Context, caller common.Address, id types.UnitID, asset common.Address, amount *big.Int) error
	WithdrawAll(ctx context.Context, caller common.Address, id types.UnitID, recipient common.Address) error
	DeriveChild(ctx context.Context, caller common.Address, id types.UnitID, newOwner common.Address) (types.UnitID, error)
	TransferToChild(ctx context.Context, caller common.Address, parent, child types.UnitID, asset common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, caller, from, to common.Address, id types.UnitID) error
	Approve(ctx context.Context, caller, to common.Address, id types.UnitID) error
	SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error
}

// MintRequest is the body of POST /v1/units. To defaults to the caller.
type MintRequest struct {
	To string `json:"to,omitempty"`
}

// AmountRequest is the body of deposit and move-to-child calls. Amount is
// in base units.
type AmountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// UnpackRequest is the body of POST /v1/units/{id}/unpack
type UnpackRequest struct {
	Recipient string `json:"recipient,omitempty"`
}

// DeriveRequest is the body of POST /v1/units/{id}/children
type DeriveRequest struct {
	Owner string `json:"owner"`
}

// TransferRequest is the body of POST /v1/units/{id}/transfer. From
// defaults to the caller.
type TransferRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// ApprovalRequest is the body of POST /v1/units/{id}/approval. An empty To
// clears the approval.
type ApprovalRequest struct {
	To string `json:"to,omitempty"`
}

// OperatorRequest is the body of POST /v1/operators
type OperatorRequest struct {
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

// WriteResponse reports an applied write
type WriteResponse struct {
	Op   string       `json:"op"`
	Unit types.UnitID `json:"unit,omitempty"`
	Seq  uint64       `json:"seq"`
}

// WriteErrorResponse reports a refused or unsettled write
type WriteErrorResponse struct {
	Error  string `json:"error"`
	Op     string `json:"op,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
}

// writeHandler is a write route after authentication
type writeHandler func(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error)

// withWrite reads and authenticates the body, runs h and maps its outcome
func (s *Server) withWrite(op string, h writeHandler) http.HandlerFunc {
	return s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		caller, err := s.auth.verify(r, body)
		if err != nil {
			logging.Warn("write rejected",
				"op", op,
				"ip", s.extractClientIP(r),
				logging.Err(err),
				logging.Component("api"))
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		id, err := h(r.Context(), r, caller, body)
		if err != nil {
			s.writeMutationError(w, op, err)
			return
		}
		logging.Info("write applied",
			"op", op,
			logging.Address("caller", caller),
			logging.UnitID(id),
			logging.Component("api"))
		status := http.StatusOK
		if op == box.OpMint || op == box.OpDeriveChild {
			status = http.StatusCreated
		}
		s.writeJSON(w, status, WriteResponse{Op: op, Unit: id, Seq: s.ledger.Seq()})
	})
}

// badRequest marks request decoding errors
type badRequest struct{ error }

func decodeBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest{fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

// address parses a hex address. An empty value yields fallback.
func address(name, raw string, fallback common.Address) (common.Address, error) {
	if raw == "" {
		return fallback, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest{fmt.Errorf("invalid %s address", name)}
	}
	return common.HexToAddress(raw), nil
}

func amount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequest{fmt.Errorf("invalid amount %q", raw)}
	}
	return v, nil
}

func pathUnit(r *http.Request, name string) (types.UnitID, error) {
	id, err := types.ParseUnitID(r.PathValue(name))
	if err != nil || id == types.NoUnit {
		return types.NoUnit, badRequest{fmt.Errorf("invalid unit id")}
	}
	return id, nil
}

func (s *Server) writeMutationError(w http.ResponseWriter, op string, err error) {
	var (
		pending *box.PendingError
		bad     badRequest
		rej     *box.Rejection
	)
	switch {
	case errors.As(err, &bad):
		s.writeError(w, http.StatusBadRequest, bad.Error())
	case errors.As(err, &pending):
		s.writeJSON(w, http.StatusAccepted, WriteErrorResponse{
			Error:  "transaction pending",
			Op:     op,
			TxHash: pending.TxHash.Hex(),
		})
	case errors.Is(err, box.ErrHalted):
		s.writeJSON(w, http.StatusServiceUnavailable, WriteErrorResponse{Error: err.Error(), Op: op})
	case errors.As(err, &rej):
		s.writeJSON(w, http.StatusUnprocessableEntity, WriteErrorResponse{Error: box.Reason(err), Op: rej.Op})
	default:
		logging.Error("write failed", "op", op, logging.Err(err), logging.Component("api"))
		s.writeJSON(w, http.StatusInternalServerError, WriteErrorResponse{Error: err.Error(), Op: op})
	}
}

// handleMint handles POST /v1/units
func (s *Server) handleMint(ctx context.Context, _ *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	var req MintRequest
	if err := decodeBody(body, &req); err != nil {
		return types.NoUnit, err
	}
	to, err := address("to", req.To, caller)
	if err != nil {
		return types.NoUnit, err
	}
	return s.mutator.Mint(ctx, caller, to)
}

// handleDeposit handles POST /v1/units/{id}/deposits
func (s *Server) handleDeposit(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	id, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	var req AmountRequest
	if err := decodeBody(body, &req); err != nil {
		return id, err
	}
	asset, err := address("asset", req.Asset, common.Address{})
	if err != nil {
		return id, err
	}
	v, err := amount(req.Amount)
	if err != nil {
		return id, err
	}
	return id, s.mutator.Deposit(ctx, caller, id, asset, v)
}

// handleUnpack handles POST /v1/units/{id}/unpack
func (s *Server) handleUnpack(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	id, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	var req UnpackRequest
	if err := decodeBody(body, &req); err != nil {
		return id, err
	}
	recipient, err := address("recipient", req.Recipient, caller)
	if err != nil {
		return id, err
	}
	return id, s.mutator.WithdrawAll(ctx, caller, id, recipient)
}

// handleDerive handles POST /v1/units/{id}/children
func (s *Server) handleDerive(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	id, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	var req DeriveRequest
	if err := decodeBody(body, &req); err != nil {
		return id, err
	}
	owner, err := address("owner", req.Owner, common.Address{})
	if err != nil {
		return id, err
	}
	return s.mutator.DeriveChild(ctx, caller, id, owner)
}

// handleMoveToChild handles POST /v1/units/{id}/children/{child}/transfers
func (s *Server) handleMoveToChild(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	parent, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	child, err := pathUnit(r, "child")
	if err != nil {
		return types.NoUnit, err
	}
	var req AmountRequest
	if err := decodeBody(body, &req); err != nil {
		return child, err
	}
	asset, err := address("asset", req.Asset, common.Address{})
	if err != nil {
		return child, err
	}
	v, err := amount(req.Amount)
	if err != nil {
		return child, err
	}
	return child, s.mutator.TransferToChild(ctx, caller, parent, child, asset, v)
}

// handleTransfer handles POST /v1/units/{id}/transfer
func (s *Server) handleTransfer(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	id, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	var req TransferRequest
	if err := decodeBody(body, &req); err != nil {
		return id, err
	}
	from, err := address("from", req.From, caller)
	if err != nil {
		return id, err
	}
	to, err := address("to", req.To, common.Address{})
	if err != nil {
		return id, err
	}
	return id, s.mutator.TransferFrom(ctx, caller, from, to, id)
}

// handleApproval handles POST /v1/units/{id}/approval
func (s *Server) handleApproval(ctx context.Context, r *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	id, err := pathUnit(r, "id")
	if err != nil {
		return types.NoUnit, err
	}
	var req ApprovalRequest
	if err := decodeBody(body, &req); err != nil {
		return id, err
	}
	to, err := address("to", req.To, common.Address{})
	if err != nil {
		return id, err
	}
	return id, s.mutator.Approve(ctx, caller, to, id)
}

// handleOperator handles POST /v1/operators
func (s *Server) handleOperator(ctx context.Context, _ *http.Request, caller common.Address, body []byte) (types.UnitID, error) {
	var req OperatorRequest
	if err := decodeBody(body, &req); err != nil {
		return types.NoUnit, err
	}
	operator, err := address("operator", req.Operator, common.Address{})
	if err != nil {
		return types.NoUnit, err
	}
	return types.NoUnit, s.mutator.SetApprovalForAll(ctx, caller, operator, req.Approved)
}
