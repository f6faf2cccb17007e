package profile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Address Risk Profiles
//
// In-memory profile registry used when no database is configured and as
// the write-through cache in front of Postgres. Lookups share a read
// lock; upserts serialize.
//
// Labels are free-form, commonly:
//   exchange: known exchange deposit/withdrawal addresses
//   mixer: mixing services
//   sanctioned: OFAC/SDN listed addresses
//   suspect: addresses under investigation

// Backend persists profiles behind the in-memory store
type Backend interface {
	GetProfile(ctx context.Context, address string) (*models.AddressRiskProfile, error)
	UpsertProfile(ctx context.Context, p models.AddressRiskProfile) error
}

// ErrInvalidProfile is returned for profiles that fail validation
var ErrInvalidProfile = errors.New("invalid risk profile")

// Store is a concurrent-safe address risk profile registry
type Store struct {
	mu       sync.RWMutex
	profiles map[string]models.AddressRiskProfile
	backend  Backend
}

// NewStore creates an empty store. backend may be nil.
func NewStore(backend Backend) *Store {
	return &Store{
		profiles: make(map[string]models.AddressRiskProfile),
		backend:  backend,
	}
}

// Validate checks the address and the 0-100 risk range
func Validate(p models.AddressRiskProfile) error {
	if strings.TrimSpace(p.Address) == "" {
		return errors.Join(ErrInvalidProfile, errors.New("address is required"))
	}
	if p.RiskScore < 0 || p.RiskScore > 100 {
		return errors.Join(ErrInvalidProfile, errors.New("riskScore must be within 0-100"))
	}
	return nil
}

// Upsert stores a profile, writing through to the backend first
func (s *Store) Upsert(ctx context.Context, p models.AddressRiskProfile) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	if s.backend != nil {
		if err := s.backend.UpsertProfile(ctx, p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Address] = p
	return nil
}

// GetProfile returns the profile for address, or nil when unknown.
// Cache misses fall through to the backend and are cached on success.
func (s *Store) GetProfile(ctx context.Context, address string) (*models.AddressRiskProfile, error) {
	s.mu.RLock()
	p, ok := s.profiles[address]
	s.mu.RUnlock()
	if ok {
		return &p, nil
	}
	if s.backend == nil {
		return nil, nil
	}

	loaded, err := s.backend.GetProfile(ctx, address)
	if err != nil || loaded == nil {
		return nil, err
	}

	s.mu.Lock()
	s.profiles[address] = *loaded
	s.mu.Unlock()
	return loaded, nil
}

// Remove drops a cached profile
func (s *Store) Remove(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, address)
}

// List returns cached profiles, highest risk first
func (s *Store) List() []models.AddressRiskProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AddressRiskProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore == out[j].RiskScore {
			return out[i].Address < out[j].Address
		}
		return out[i].RiskScore > out[j].RiskScore
	})
	return out
}

// Count returns the number of cached profiles
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
