package params

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
)

// Provider returns the parameter set in force
type Provider interface {
	Current() *Params
}

// Store holds the active parameter set and every version loaded since start.
// Readers never block; a reload swaps the pointer.
type Store struct {
	current  atomic.Pointer[Params]
	mu       sync.RWMutex
	history  map[int]*Params
	logger   ectologger.Logger
	onChange []func(*Params)
}

// NewStore creates a store seeded with an initial, already validated parameter set
func NewStore(initial *Params, logger ectologger.Logger) *Store {
	s := &Store{
		history: map[int]*Params{initial.Version: initial},
		logger:  logger,
	}
	s.current.Store(initial)
	metrics.ParamsVersion.Set(float64(initial.Version))
	return s
}

// NewStoreFromFile loads the initial parameter set from disk
func NewStoreFromFile(path string, logger ectologger.Logger) (*Store, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(p, logger), nil
}

// Current returns the active parameter set
func (s *Store) Current() *Params {
	return s.current.Load()
}

// Get returns a previously loaded version
func (s *Store) Get(version int) (*Params, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.history[version]
	return p, ok
}

// Versions lists loaded versions in ascending order
func (s *Store) Versions() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.history))
	for v := range s.history {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// OnChange registers a callback run after each successful swap
func (s *Store) OnChange(fn func(*Params)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Set activates a new parameter set. A version may only be reused with
// identical content; otherwise it must be higher than the active one.
func (s *Store) Set(ctx context.Context, p *Params) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	cur := s.current.Load()
	if p.Version == cur.Version {
		s.mu.Unlock()
		if reflect.DeepEqual(p, cur) {
			return false, nil
		}
		return false, fmt.Errorf("params version %d already loaded with different content", p.Version)
	}
	if p.Version < cur.Version {
		s.mu.Unlock()
		return false, fmt.Errorf("params version %d is older than active version %d", p.Version, cur.Version)
	}
	s.history[p.Version] = p
	s.current.Store(p)
	metrics.ParamsVersion.Set(float64(p.Version))
	callbacks := append([]func(*Params){}, s.onChange...)
	s.mu.Unlock()

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"previous_version": cur.Version,
		"version":          p.Version,
	}).Info("Activated resolution params")

	for _, fn := range callbacks {
		fn(p)
	}
	return true, nil
}

// Reload re-reads a parameter file and activates it if it changed
func (s *Store) Reload(ctx context.Context, path string) (bool, error) {
	p, err := LoadFile(path)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("path", path).Warn("Rejected params reload")
		return false, err
	}
	return s.Set(ctx, p)
}

// Static is a fixed Provider
type Static struct {
	P *Params
}

// Current implements Provider
func (s Static) Current() *Params {
	return s.P
}
