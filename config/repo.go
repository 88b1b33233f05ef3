package config

import (
	"fmt"
	"strings"
	"sync"

	"footprint-systemv1/internal/model"
)

// SymbolRepo is an environment-backed model.SymbolConfigRepo. The symbol set
// comes from ACTIVE_SYMBOLS; venue endpoints come from the *_WS_URL /
// *_REST_URL variables. Symbols can be added or retired at runtime, which the
// orchestrator picks up through AddSymbols / RemoveSymbols.
type SymbolRepo struct {
	cfg *Config

	mu      sync.RWMutex
	symbols map[string]model.SymbolConfig // key = "venue:symbol"
}

// NewSymbolRepo builds a repo seeded from cfg.ActiveSymbols.
func NewSymbolRepo(cfg *Config) *SymbolRepo {
	r := &SymbolRepo{
		cfg:     cfg,
		symbols: make(map[string]model.SymbolConfig),
	}
	for _, sc := range cfg.ParseSymbols() {
		r.symbols[sc.Key()] = sc
	}
	return r
}

// ActiveSymbols returns the active configs for a venue.
func (r *SymbolRepo) ActiveSymbols(venue model.Venue) ([]model.SymbolConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SymbolConfig
	for _, sc := range r.symbols {
		if sc.Venue == venue && sc.Active {
			out = append(out, sc)
		}
	}
	return out, nil
}

// SymbolConfig returns the config for one symbol, or an error if unknown.
func (r *SymbolRepo) SymbolConfig(venue model.Venue, symbol string) (*model.SymbolConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.symbols[string(venue)+":"+strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("config: no symbol config for %s:%s", venue, symbol)
	}
	cp := sc
	return &cp, nil
}

// Upsert adds or replaces a symbol config, bumping the revision when the bin
// multiplier changes.
func (r *SymbolRepo) Upsert(sc model.SymbolConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.symbols[sc.Key()]; ok {
		sc.Revision = prev.Revision
		if prev.BinMultiplier != sc.BinMultiplier {
			sc.Revision = prev.Revision + 1
		}
	} else if sc.Revision == 0 {
		sc.Revision = 1
	}
	r.symbols[sc.Key()] = sc
}

// Retire marks a symbol inactive so it drops out of ActiveSymbols.
func (r *SymbolRepo) Retire(venue model.Venue, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(venue) + ":" + strings.ToUpper(symbol)
	if sc, ok := r.symbols[key]; ok {
		sc.Active = false
		sc.Status = model.StatusDisabled
		r.symbols[key] = sc
	}
}

// WSURL returns the websocket endpoint for a venue.
func (r *SymbolRepo) WSURL(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueBinance:
		return r.cfg.BinanceWSURL, nil
	case model.VenueBybit:
		return r.cfg.BybitWSURL, nil
	case model.VenueOKX:
		return r.cfg.OKXWSURL, nil
	}
	return "", fmt.Errorf("config: unknown venue %q", venue)
}

// RESTURL returns the REST endpoint for a venue. Only Binance gap recovery
// uses REST today.
func (r *SymbolRepo) RESTURL(venue model.Venue) (string, error) {
	switch venue {
	case model.VenueBinance:
		return r.cfg.BinanceRESTURL, nil
	}
	return "", fmt.Errorf("config: no REST endpoint for venue %q", venue)
}
