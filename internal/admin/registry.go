package admin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownMarket  = errors.New("unknown market")
	ErrUnknownCommand = errors.New("unknown config command")
	ErrMarketExists   = errors.New("market already registered")
)

// Registry holds the current config snapshot of every market. Snapshots
// are never mutated: readers keep the pointer they got, and every command
// swaps in a new version.
type Registry struct {
	mu      sync.RWMutex
	owner   uuid.UUID
	markets map[string]*state.MarketConfig

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRegistry(owner uuid.UUID, configs []state.MarketConfig, metrics *observability.Metrics, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		owner:   owner,
		markets: make(map[string]*state.MarketConfig, len(configs)),
		metrics: metrics,
		logger:  logger,
	}
	for i := range configs {
		if err := r.add(configs[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(cfg state.MarketConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, ok := r.markets[cfg.MarketID]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, cfg.MarketID)
	}
	snapshot := cfg.Clone()
	if snapshot.Version == 0 {
		snapshot.Version = 1
	}
	r.markets[cfg.MarketID] = &snapshot
	return nil
}

// Owner returns the account allowed to change configs.
func (r *Registry) Owner() uuid.UUID {
	return r.owner
}

// Get returns the current snapshot. Callers must not modify it.
func (r *Registry) Get(marketID string) (*state.MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return cfg, nil
}

// Markets returns the registered market ids in sorted order.
func (r *Registry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddMarket registers a new market. Owner only.
func (r *Registry) AddMarket(caller uuid.UUID, cfg state.MarketConfig) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s is not the config owner", core.ErrUnauthorized, caller)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.add(cfg); err != nil {
		return err
	}
	r.logger.Info().Str("market", cfg.MarketID).Msg("market registered")
	return nil
}

// Apply runs cmd against the market's current snapshot and installs the
// result as version+1. An invalid result leaves the current snapshot in place.
func (r *Registry) Apply(caller uuid.UUID, marketID string, cmd Command) (*state.MarketConfig, error) {
	if caller != r.owner {
		return nil, fmt.Errorf("%w: %s is not the config owner", core.ErrUnauthorized, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	next, err := current.Update(cmd.Apply)
	if err != nil {
		r.logger.Warn().
			Str("market", marketID).
			Str("command", cmd.Name()).
			Err(err).
			Msg("config command rejected")
		return nil, err
	}
	r.markets[marketID] = &next

	if r.metrics != nil {
		r.metrics.ConfigUpdates.WithLabelValues(marketID, cmd.Name()).Inc()
	}
	r.logger.Info().
		Str("market", marketID).
		Str("command", cmd.Name()).
		Int64("version", next.Version).
		Msg("market config updated")
	return &next, nil
}
