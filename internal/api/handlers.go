package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// maxEventPage caps /v1/events page size
const maxEventPage = 1000

// UnitsResponse lists unit ids
type UnitsResponse struct {
	Units []types.UnitID `json:"units"`
}

// BalancesResponse lists a unit's escrowed balances
type BalancesResponse struct {
	Unit     types.UnitID         `json:"unit"`
	Balances []types.TokenBalance `json:"balances"`
}

// StatsResponse is the response for GET /v1/stats
type StatsResponse struct {
	LiveUnits     uint64          `json:"live_units"`
	BurnedUnits   uint64          `json:"burned_units"`
	LastID        types.UnitID    `json:"last_id"`
	Seq           uint64          `json:"seq"`
	Holders       int             `json:"holders"`
	StreamClients int             `json:"stream_clients"`
	Writes        bool            `json:"writes"`
	Halted        string          `json:"halted,omitempty"`
	Pending       []box.Pending   `json:"pending,omitempty"`
	Metrics       *MetricsSummary `json:"metrics,omitempty"`
}

// MetricsSummary is the operation summary embedded in stats
type MetricsSummary struct {
	Uptime     string                       `json:"uptime"`
	Operations map[string]map[string]uint64 `json:"operations"`
	Rejections map[string]uint64            `json:"rejections"`
}

// EventsResponse is one page of journaled events
type EventsResponse struct {
	Events []eventJSON `json:"events"`
	Next   uint64      `json:"next"`
}

// eventJSON renders amounts as decimal strings
type eventJSON struct {
	Seq      uint64          `json:"seq"`
	Kind     types.EventKind `json:"kind"`
	Unit     types.UnitID    `json:"unit"`
	Parent   types.UnitID    `json:"parent,omitempty"`
	Owner    common.Address  `json:"owner"`
	To       common.Address  `json:"to"`
	Asset    common.Address  `json:"asset"`
	Amount   string          `json:"amount,omitempty"`
	Approved bool            `json:"approved,omitempty"`
	Time     time.Time       `json:"time"`
}

func toEventJSON(ev types.Event) eventJSON {
	out := eventJSON{
		Seq:      ev.Seq,
		Kind:     ev.Kind,
		Unit:     ev.Unit,
		Parent:   ev.Parent,
		Owner:    ev.Owner,
		To:       ev.To,
		Asset:    ev.Asset,
		Approved: ev.Approved,
		Time:     ev.Time,
	}
	if ev.Amount != nil {
		out.Amount = ev.Amount.String()
	}
	return out
}

// handleUnit handles GET /v1/units/{id}
func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.unitID(w, r)
	if !ok {
		return
	}
	u, err := s.ledger.Unit(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

// handleUnitBalances handles GET /v1/units/{id}/balances
func (s *Server) handleUnitBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := s.unitID(w, r)
	if !ok {
		return
	}
	balances, err := s.ledger.Balances(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BalancesResponse{Unit: id, Balances: balances})
}

// handleUnitChildren handles GET /v1/units/{id}/children
func (s *Server) handleUnitChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := s.unitID(w, r)
	if !ok {
		return
	}
	children, err := s.ledger.Children(id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if children == nil {
		children = []types.UnitID{}
	}
	s.writeJSON(w, http.StatusOK, UnitsResponse{Units: children})
}

// handleOwnerUnits handles GET /v1/owners/{address}/units
func (s *Server) handleOwnerUnits(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	units := s.ledger.UnitsOfOwner(common.HexToAddress(raw))
	if units == nil {
		units = []types.UnitID{}
	}
	s.writeJSON(w, http.StatusOK, UnitsResponse{Units: units})
}

// handleStats handles GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		LiveUnits:   s.ledger.TotalSupply(),
		BurnedUnits: s.ledger.BurnedCount(),
		LastID:      s.ledger.LastID(),
		Seq:         s.ledger.Seq(),
		Holders:     len(s.ledger.Holders()),
		Writes:      s.writesEnabled(),
	}
	if h, ok := s.ledger.(haltReporter); ok {
		if err := h.Halted(); err != nil {
			resp.Halted = err.Error()
		}
		resp.Pending = h.PendingTransfers()
	}
	if s.hub != nil {
		resp.StreamClients = s.hub.ClientCount()
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp.Metrics = &MetricsSummary{
			Uptime:     snap.Uptime,
			Operations: snap.Operations,
			Rejections: snap.Rejections,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /v1/events?after=N&limit=M
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "journal not configured")
		return
	}

	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEventPage)
	}

	evs, err := s.events.Events(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	resp := EventsResponse{Events: make([]eventJSON, 0, len(evs)), Next: after}
	for _, ev := range evs {
		resp.Events = append(resp.Events, toEventJSON(ev))
		resp.Next = ev.Seq
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) unitID(w http.ResponseWriter, r *http.Request) (types.UnitID, bool) {
	id, err := types.ParseUnitID(r.PathValue("id"))
	if err != nil || id == types.NoUnit {
		s.writeError(w, http.StatusBadRequest, "invalid unit id")
		return types.NoUnit, false
	}
	return id, true
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, box.ErrNonexistent) {
		s.writeError(w, http.StatusNotFound, box.Reason(err))
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
