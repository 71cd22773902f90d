package store

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/dim-network/godim/internal/dim"
)

// ProviderInfo is one service provider record from public/providers.js.
type ProviderInfo struct {
	// ID identifies the provider entity.
	ID dim.ID

	// Chosen orders providers; lower is preferred.
	Chosen int
}

// StationInfo is one neighbor station record from
// public/{provider}/stations.js.
type StationInfo struct {
	// ID identifies the station entity.
	ID dim.ID

	// Host and Port locate the station's client port.
	Host string
	Port int

	// Provider is the service provider the station belongs to.
	Provider dim.ID

	// Chosen orders stations within a provider; lower is preferred.
	Chosen int
}

// providerRecord / stationRecord are the on-disk shapes.
type providerRecord struct {
	ID     string `json:"ID"`
	Chosen int    `json:"chosen"`
}

type stationRecord struct {
	ID     string `json:"ID"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Chosen int    `json:"chosen"`
}

// NeighborStore persists the provider and neighbor-station tables used by
// the broadcast deliver and the octopus bridge reconciler.
type NeighborStore struct {
	db     Database
	logger *slog.Logger

	mu        sync.Mutex
	providers []ProviderInfo
	stations  map[string][]StationInfo
	loaded    bool
}

// NewNeighborStore creates a neighbor store over the given layout.
func NewNeighborStore(db Database, logger *slog.Logger) *NeighborStore {
	return &NeighborStore{
		db:       db,
		logger:   logger.With(slog.String("component", "store.neighbors")),
		stations: make(map[string][]StationInfo),
	}
}

// Providers returns the provider table ordered as stored.
func (s *NeighborStore) Providers() []ProviderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return append([]ProviderInfo(nil), s.providers...)
}

// AddProvider appends a provider record if absent and persists the table.
func (s *NeighborStore) AddProvider(p ProviderInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	for _, have := range s.providers {
		if have.ID.Equal(p.ID) {
			return nil
		}
	}
	s.providers = append(s.providers, p)
	return s.saveProvidersLocked()
}

// Stations returns the station list for one provider.
func (s *NeighborStore) Stations(provider dim.ID) []StationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.loadStationsLocked(provider)
	return append([]StationInfo(nil), s.stations[provider.Bare().String()]...)
}

// AllStations returns the union of all providers' station lists.
func (s *NeighborStore) AllStations() []StationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	var out []StationInfo
	seen := make(map[string]bool)
	for _, p := range s.providers {
		s.loadStationsLocked(p.ID)
		for _, st := range s.stations[p.ID.Bare().String()] {
			key := st.ID.Bare().String()
			if !seen[key] {
				seen[key] = true
				out = append(out, st)
			}
		}
	}
	return out
}

// UpdateStation inserts or replaces a station in its provider's list and
// persists the list. Matching is by station ID.
func (s *NeighborStore) UpdateStation(info StationInfo) error {
	if info.ID.IsNil() || info.Provider.IsNil() {
		return errors.New("station record needs ID and provider")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.loadStationsLocked(info.Provider)

	key := info.Provider.Bare().String()
	list := s.stations[key]
	replaced := false
	for i, have := range list {
		if have.ID.Equal(info.ID) {
			list[i] = info
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, info)
	}
	s.stations[key] = list

	records := make([]stationRecord, 0, len(list))
	for _, st := range list {
		records = append(records, stationRecord{
			ID:     st.ID.String(),
			Host:   st.Host,
			Port:   st.Port,
			Chosen: st.Chosen,
		})
	}
	return writeJSON(s.db.stationsPath(info.Provider.Address), records)
}

// loadLocked reads the provider table once. Caller holds the lock.
func (s *NeighborStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	var records []providerRecord
	if err := readJSON(s.db.providersPath(), &records); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("provider table unreadable", slog.Any("error", err))
		}
		return
	}
	for _, rec := range records {
		id, err := dim.ParseID(rec.ID)
		if err != nil {
			continue
		}
		s.providers = append(s.providers, ProviderInfo{ID: id, Chosen: rec.Chosen})
	}
}

// loadStationsLocked reads one provider's station list once. Caller holds
// the lock.
func (s *NeighborStore) loadStationsLocked(provider dim.ID) {
	key := provider.Bare().String()
	if _, ok := s.stations[key]; ok {
		return
	}
	s.stations[key] = nil

	var records []stationRecord
	if err := readJSON(s.db.stationsPath(provider.Address), &records); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("station table unreadable",
				slog.String("provider", key),
				slog.Any("error", err),
			)
		}
		return
	}
	list := make([]StationInfo, 0, len(records))
	for _, rec := range records {
		id, err := dim.ParseID(rec.ID)
		if err != nil {
			continue
		}
		list = append(list, StationInfo{
			ID:       id,
			Host:     rec.Host,
			Port:     rec.Port,
			Provider: provider.Bare(),
			Chosen:   rec.Chosen,
		})
	}
	s.stations[key] = list
}

// saveProvidersLocked persists the provider table. Caller holds the lock.
func (s *NeighborStore) saveProvidersLocked() error {
	records := make([]providerRecord, 0, len(s.providers))
	for _, p := range s.providers {
		records = append(records, providerRecord{ID: p.ID.String(), Chosen: p.Chosen})
	}
	return writeJSON(s.db.providersPath(), records)
}
