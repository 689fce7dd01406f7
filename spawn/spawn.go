// Package spawn turns car records into spawned instances delivered to a
// channel.
package spawn

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("no such record")
	ErrInvalidCount = errors.New("count must be positive")
)

// Finder looks a car up by full name, ignoring case. It returns an error
// matching os.ErrNotExist when there is no such car.
type Finder interface {
	CarByFullName(ctx context.Context, fullName string) (*structs.Car, error)
}

// Picker draws a random spawnable car.
type Picker interface {
	Random() (*structs.Car, error)
}

// Sink receives spawned instances.
type Sink interface {
	Deliver(ctx context.Context, instance *Instance) error
}

// Instance is a car made to appear in a channel. It is never persisted.
type Instance struct {
	ID        string
	Car       *structs.Car
	Channel   string
	SpawnedAt time.Time
}

type Request struct {
	// Count defaults to 1 when zero.
	Count int
	// Name picks the car by full name. Empty means random draws.
	Name    string
	Channel string
}

type Spawner struct {
	Finder Finder
	Picker Picker
	Sink   Sink
}

// Spawn delivers req.Count instances and returns the number delivered.
//
// A named car is looked up once before anything is delivered, so a miss
// delivers nothing. Random draws are independent. Delivery failures are
// logged and not retried, and do not stop the batch.
func (s *Spawner) Spawn(ctx context.Context, req Request) (int, error) {
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 {
		return 0, errors.Wrapf(ErrInvalidCount, "%d", count)
	}

	next := func() (*structs.Car, error) {
		return s.Picker.Random()
	}
	if req.Name != "" {
		car, err := s.Finder.CarByFullName(ctx, req.Name)
		if errors.Is(err, os.ErrNotExist) {
			return 0, errors.Wrap(ErrNotFound, req.Name)
		} else if err != nil {
			return 0, carfigures.WithStack(err)
		}
		next = func() (*structs.Car, error) {
			return car, nil
		}
	}

	delivered := 0
	for i := 0; i < count; i++ {
		car, err := next()
		if err != nil {
			return delivered, carfigures.WithStack(err)
		}
		instance := &Instance{
			ID:        carfigures.NextUniqueID(),
			Car:       car,
			Channel:   req.Channel,
			SpawnedAt: time.Now(),
		}
		if err := s.Sink.Deliver(ctx, instance); err != nil {
			log.Printf("delivering %v to %q: %v", car, req.Channel, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}
