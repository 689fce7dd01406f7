// Package cache keeps an in-process copy of the car table.
//
// The copy is rebuilt wholesale on Refresh and published as an immutable
// Generation with a single pointer store, so readers either see the old
// generation or the new one and never a half-built one.
package cache

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

var (
	ErrEmptyCache       = errors.New("no spawnable records in cache")
	ErrStoreUnavailable = errors.New("persistent store unavailable")
)

// Source is where generations are built from.
type Source interface {
	LoadCars(ctx context.Context) ([]*structs.Car, error)
}

// Generation is one complete snapshot of the car table.
type Generation struct {
	Number  uint64
	BuiltAt time.Time

	cars       []*structs.Car
	byID       map[int64]*structs.Car
	spawnable  []*structs.Car
	cumulative []float64
}

func newGeneration(number uint64, cars []*structs.Car) *Generation {
	g := &Generation{
		Number:  number,
		BuiltAt: time.Now(),
		cars:    make([]*structs.Car, 0, len(cars)),
		byID:    make(map[int64]*structs.Car, len(cars)),
	}
	total := 0.0
	for _, car := range cars {
		if car == nil {
			continue
		}
		cp := *car
		g.cars = append(g.cars, &cp)
		g.byID[cp.ID] = &cp
		if cp.Spawnable() {
			g.spawnable = append(g.spawnable, &cp)
			if w := cp.Rarity; w > 0 && !math.IsInf(w, 0) {
				total += w
			}
			g.cumulative = append(g.cumulative, total)
		}
	}
	sort.Slice(g.cars, func(i, j int) bool {
		return g.cars[i].ID < g.cars[j].ID
	})
	if total <= 0 || math.IsInf(total, 0) {
		g.cumulative = nil
	}
	return g
}

// Len returns the number of records in the generation.
func (g *Generation) Len() int {
	return len(g.cars)
}

// All returns the records ordered by ID.
func (g *Generation) All() []*structs.Car {
	result := make([]*structs.Car, len(g.cars))
	copy(result, g.cars)
	return result
}

func (g *Generation) Get(id int64) (*structs.Car, bool) {
	car, found := g.byID[id]
	return car, found
}

// Random draws a spawnable record weighted by rarity, or uniformly when no
// record carries any weight. float must return values in [0, 1).
func (g *Generation) Random(float func() float64) (*structs.Car, error) {
	if len(g.spawnable) == 0 {
		return nil, carfigures.WithStack(ErrEmptyCache)
	}
	if g.cumulative == nil {
		idx := int(float() * float64(len(g.spawnable)))
		return g.spawnable[min(idx, len(g.spawnable)-1)], nil
	}
	total := g.cumulative[len(g.cumulative)-1]
	x := float() * total
	idx := sort.Search(len(g.cumulative), func(i int) bool {
		return g.cumulative[i] > x
	})
	return g.spawnable[min(idx, len(g.spawnable)-1)], nil
}

// Store publishes generations built from a Source.
type Store struct {
	source Source
	float  func() float64

	current   atomic.Pointer[Generation]
	refreshMu sync.Mutex
}

type Option func(*Store)

// WithFloat replaces the random source used by Random.
func WithFloat(f func() float64) Option {
	return func(s *Store) {
		s.float = f
	}
}

// New creates a store holding an empty generation 0. Call Refresh to fill it.
func New(source Source, opts ...Option) *Store {
	s := &Store{
		source: source,
		float:  rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newGeneration(0, nil))
	return s
}

// Refresh reads the whole table into a new generation and publishes it.
// Concurrent calls are serialized, each publishing its own generation.
// On failure the current generation stays visible.
func (s *Store) Refresh(ctx context.Context) (*Generation, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	cars, err := s.source.LoadCars(ctx)
	if err != nil {
		return nil, carfigures.WithStack(errors.Wrapf(ErrStoreUnavailable, "loading cars: %v", err))
	}
	next := newGeneration(s.current.Load().Number+1, cars)
	s.current.Store(next)
	return next, nil
}

// Generation returns the currently visible generation.
func (s *Store) Generation() *Generation {
	return s.current.Load()
}

func (s *Store) All() []*structs.Car {
	return s.current.Load().All()
}

func (s *Store) Get(id int64) (*structs.Car, bool) {
	return s.current.Load().Get(id)
}

func (s *Store) Random() (*structs.Car, error) {
	return s.current.Load().Random(s.float)
}
