package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/bxcodec/faker/v4"
	"github.com/carfigures/carfigures/structs"
)

type fakeFinder map[string]*structs.Car

func (f fakeFinder) CarByFullName(ctx context.Context, fullName string) (*structs.Car, error) {
	if car, found := f[strings.ToLower(fullName)]; found {
		return car, nil
	}
	return nil, os.ErrNotExist
}

type fakePicker struct {
	mu    sync.Mutex
	cars  []*structs.Car
	draws int
	err   error
}

func (f *fakePicker) Random() (*structs.Car, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	car := f.cars[f.draws%len(f.cars)]
	f.draws++
	return car, nil
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []*Instance
	failEvery int
	calls     int
}

func (f *fakeSink) Deliver(ctx context.Context, instance *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return fmt.Errorf("channel gone")
	}
	f.delivered = append(f.delivered, instance)
	return nil
}

func fakeCars(n int) []*structs.Car {
	result := []*structs.Car{}
	for i := 0; i < n; i++ {
		result = append(result, &structs.Car{
			ID:       int64(i + 1),
			Name:     fmt.Sprintf("%s%d", faker.Word(), i),
			FullName: fmt.Sprintf("%s %d", faker.Name(), i),
			Rarity:   1,
			Enabled:  true,
		})
	}
	return result
}

func TestRandomSpawnDeliversCount(t *testing.T) {
	cars := fakeCars(3)
	picker := &fakePicker{cars: cars}
	sink := &fakeSink{}
	s := &Spawner{Finder: fakeFinder{}, Picker: picker, Sink: sink}
	n, err := s.Spawn(context.Background(), Request{Count: 3, Channel: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(sink.delivered) != 3 {
		t.Fatalf("got %d/%d delivered, want 3", n, len(sink.delivered))
	}
	if picker.draws != 3 {
		t.Errorf("got %d draws, want 3 independent draws", picker.draws)
	}
	ids := map[string]bool{}
	for i, instance := range sink.delivered {
		if instance.Channel != "general" {
			t.Errorf("delivered to %q", instance.Channel)
		}
		if instance.Car != cars[i] {
			t.Errorf("instance %d got %v, want %v", i, instance.Car, cars[i])
		}
		if ids[instance.ID] {
			t.Errorf("duplicate instance id %q", instance.ID)
		}
		ids[instance.ID] = true
	}
}

func TestDefaultCountIsOne(t *testing.T) {
	sink := &fakeSink{}
	s := &Spawner{Picker: &fakePicker{cars: fakeCars(1)}, Sink: sink}
	if n, err := s.Spawn(context.Background(), Request{}); err != nil || n != 1 {
		t.Errorf("got %d, %v, want 1", n, err)
	}
}

func TestNegativeCountRejected(t *testing.T) {
	sink := &fakeSink{}
	s := &Spawner{Picker: &fakePicker{cars: fakeCars(1)}, Sink: sink}
	if _, err := s.Spawn(context.Background(), Request{Count: -2}); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("got %v, want ErrInvalidCount", err)
	}
	if len(sink.delivered) != 0 {
		t.Errorf("delivered %d", len(sink.delivered))
	}
}

func TestNamedSpawnMissDeliversNothing(t *testing.T) {
	sink := &fakeSink{}
	picker := &fakePicker{cars: fakeCars(2)}
	s := &Spawner{Finder: fakeFinder{}, Picker: picker, Sink: sink}
	if _, err := s.Spawn(context.Background(), Request{Count: 3, Name: "Typo"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if len(sink.delivered) != 0 || picker.draws != 0 {
		t.Errorf("delivered %d, drew %d after miss", len(sink.delivered), picker.draws)
	}
}

func TestNamedSpawnIgnoresCase(t *testing.T) {
	car := &structs.Car{ID: 1, Name: "gtr", FullName: "Nissan GT-R"}
	sink := &fakeSink{}
	s := &Spawner{Finder: fakeFinder{"nissan gt-r": car}, Sink: sink}
	n, err := s.Spawn(context.Background(), Request{Count: 2, Name: "NISSAN gt-r", Channel: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
	for _, instance := range sink.delivered {
		if instance.Car != car {
			t.Errorf("got %v", instance.Car)
		}
	}
	if sink.delivered[0].ID == sink.delivered[1].ID {
		t.Errorf("instances share id %q", sink.delivered[0].ID)
	}
}

func TestDeliveryFailureDoesNotStopBatch(t *testing.T) {
	sink := &fakeSink{failEvery: 2}
	s := &Spawner{Picker: &fakePicker{cars: fakeCars(4)}, Sink: sink}
	n, err := s.Spawn(context.Background(), Request{Count: 4})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || sink.calls != 4 {
		t.Errorf("got %d delivered in %d calls, want 2 in 4", n, sink.calls)
	}
}

func TestPickerFailure(t *testing.T) {
	boom := fmt.Errorf("empty")
	s := &Spawner{Picker: &fakePicker{err: boom}, Sink: &fakeSink{}}
	if _, err := s.Spawn(context.Background(), Request{Count: 2}); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}
