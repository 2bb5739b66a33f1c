package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/encabox/encabox/internal/api"
	"github.com/encabox/encabox/internal/box"
	"github.com/encabox/encabox/internal/journal"
	"github.com/encabox/encabox/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// errNotFound is returned by sources for unknown units
var errNotFound = errors.New("unit not found")

// source reads ledger state either from a journal replayed offline or
// from a running boxd over HTTP.
type source interface {
	Unit(ctx context.Context, id types.UnitID) (types.Unit, error)
	UnitsOfOwner(ctx context.Context, owner common.Address) ([]types.UnitID, error)
	Close() error
}

type sourceFlags struct {
	journal string
	api     string
}

// openSource prefers an explicit journal, then an explicit API address,
// then the configured API address.
func openSource(ctx context.Context, f sourceFlags) (source, error) {
	if f.journal != "" {
		return openJournalSource(ctx, f.journal)
	}
	addr := f.api
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr
	}
	return newAPISource(addr), nil
}

type journalSource struct {
	store  *journal.Store
	ledger *box.Ledger
}

func openJournalSource(ctx context.Context, path string) (*journalSource, error) {
	store, err := journal.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		store.Close()
		return nil, err
	}
	ledger := box.New(box.Config{BaseURI: cfg.Ledger.BaseURI}, nil)
	if _, err := store.Replay(ctx, ledger); err != nil {
		store.Close()
		return nil, err
	}
	return &journalSource{store: store, ledger: ledger}, nil
}

func (s *journalSource) Unit(_ context.Context, id types.UnitID) (types.Unit, error) {
	u, err := s.ledger.Unit(id)
	if errors.Is(err, box.ErrNonexistent) {
		return types.Unit{}, fmt.Errorf("%w: %d", errNotFound, id)
	}
	return u, err
}

func (s *journalSource) UnitsOfOwner(_ context.Context, owner common.Address) ([]types.UnitID, error) {
	return s.ledger.UnitsOfOwner(owner), nil
}

func (s *journalSource) Close() error {
	return s.store.Close()
}

type apiSource struct {
	base   string
	client *http.Client
}

func newAPISource(addr string) *apiSource {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiSource{base: base, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *apiSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("boxd API unreachable at %s: %w", s.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %s %s", path, resp.Status, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *apiSource) Unit(ctx context.Context, id types.UnitID) (types.Unit, error) {
	var u types.Unit
	if err := s.get(ctx, "/v1/units/"+id.String(), &u); err != nil {
		if errors.Is(err, errNotFound) {
			return types.Unit{}, fmt.Errorf("%w: %d", errNotFound, id)
		}
		return types.Unit{}, err
	}
	return u, nil
}

func (s *apiSource) UnitsOfOwner(ctx context.Context, owner common.Address) ([]types.UnitID, error) {
	var resp api.UnitsResponse
	if err := s.get(ctx, "/v1/owners/"+owner.Hex()+"/units", &resp); err != nil {
		return nil, err
	}
	return resp.Units, nil
}

func (s *apiSource) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := s.get(ctx, "/v1/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *apiSource) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := s.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *apiSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
