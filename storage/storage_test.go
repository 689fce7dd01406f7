package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/bxcodec/faker/v4"
	"github.com/carfigures/carfigures/structs"
	"github.com/google/go-cmp/cmp"
)

func withStorage(t testing.TB, f func(s *Storage)) {
	t.Helper()
	dir, err := os.MkdirTemp("", "carfigures-storage-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	s, err := New(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	f(s)
}

func fakeCar(idx int) *structs.Car {
	return &structs.Car{
		Name:     fmt.Sprintf("%s%d", faker.Word(), idx),
		FullName: fmt.Sprintf("%s %d", faker.Name(), idx),
		Rarity:   float64(idx%5) + 1,
		Enabled:  idx%2 == 0,
	}
}

func TestCreateAndLoadCars(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		want := []*structs.Car{}
		for i := 0; i < 5; i++ {
			car := fakeCar(i)
			if err := s.CreateCar(ctx, car); err != nil {
				t.Fatal(err)
			}
			if car.ID == 0 || car.Created == 0 {
				t.Fatalf("CreateCar didn't populate %+v", car)
			}
			want = append(want, car)
		}
		got, err := s.LoadCars(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("LoadCars mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCarByFullNameIgnoresCase(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		car := &structs.Car{Name: "gt", FullName: "Ford GT40", Rarity: 1, Enabled: true}
		if err := s.CreateCar(ctx, car); err != nil {
			t.Fatal(err)
		}
		for _, query := range []string{"Ford GT40", "ford gt40", "FORD GT40", "  ford Gt40 "} {
			got, err := s.CarByFullName(ctx, query)
			if err != nil {
				t.Fatalf("CarByFullName(%q): %v", query, err)
			}
			if got.ID != car.ID {
				t.Errorf("CarByFullName(%q) = %+v, want %+v", query, got, car)
			}
		}
		if _, err := s.CarByFullName(ctx, "Typo"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
	})
}

func TestFullNameUniqueIgnoringCase(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		if err := s.CreateCar(ctx, &structs.Car{Name: "a", FullName: "Mini Cooper"}); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateCar(ctx, &structs.Car{Name: "b", FullName: "mini cooper"}); err == nil {
			t.Errorf("wanted unique constraint violation")
		}
	})
}

func TestUpdateAndDeleteCar(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		car := fakeCar(1)
		if err := s.CreateCar(ctx, car); err != nil {
			t.Fatal(err)
		}
		car.Rarity = 42
		car.Enabled = true
		if err := s.UpdateCar(ctx, car); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadCar(ctx, car.ID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(car, got); diff != "" {
			t.Errorf("LoadCar mismatch (-want +got):\n%s", diff)
		}
		if err := s.DeleteCar(ctx, car.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteCar(ctx, car.ID); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
		if _, err := s.LoadCar(ctx, car.ID); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
	})
}

func TestInvalidCarRejected(t *testing.T) {
	withStorage(t, func(s *Storage) {
		if err := s.CreateCar(context.Background(), &structs.Car{Name: "x", Rarity: -1, FullName: "X"}); err == nil {
			t.Errorf("wanted validation error for negative rarity")
		}
	})
}

func TestSetAdmin(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		if _, err := s.LoadAdmin(ctx, "root"); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v, want os.ErrNotExist", err)
		}
		admin := &structs.Admin{Username: "root", PasswordHash: "h1"}
		if err := s.SetAdmin(ctx, admin); err != nil {
			t.Fatal(err)
		}
		firstID := admin.ID
		if err := s.SetAdmin(ctx, &structs.Admin{Username: "root", PasswordHash: "h2"}); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadAdmin(ctx, "root")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != firstID || got.PasswordHash != "h2" {
			t.Errorf("got %+v, want id %d with hash h2", got, firstID)
		}
		if err := s.DeleteAdmin(ctx, "root"); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteAdmin(ctx, "root"); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
	})
}

func TestGuilds(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		want := []*structs.Guild{}
		for i, members := range []int{50, 200, 10} {
			g := &structs.Guild{Name: fmt.Sprintf("guild%d", i), MemberCount: members}
			if err := s.CreateGuild(ctx, g); err != nil {
				t.Fatal(err)
			}
			want = append(want, g)
		}
		got, err := s.LoadGuilds(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("LoadGuilds mismatch (-want +got):\n%s", diff)
		}
		if loaded, err := s.LoadGuild(ctx, want[1].ID); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(want[1], loaded); diff != "" {
			t.Errorf("LoadGuild mismatch (-want +got):\n%s", diff)
		}
		if err := s.DeleteGuild(ctx, want[0].ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LoadGuild(ctx, want[0].ID); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("got %v, want os.ErrNotExist", err)
		}
		if got, err = s.LoadGuilds(ctx); err != nil {
			t.Fatal(err)
		} else if len(got) != 2 {
			t.Errorf("got %d guilds after delete, want 2", len(got))
		}
	})
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	withStorage(t, func(s *Storage) {
		if _, found, err := s.EstimatedCount(ctx, "cars"); err != nil {
			t.Fatal(err)
		} else if found {
			t.Errorf("didn't expect statistics before ANALYZE")
		}
		for i := 0; i < 7; i++ {
			if err := s.CreateCar(ctx, fakeCar(i)); err != nil {
				t.Fatal(err)
			}
		}
		took, err := s.Analyze(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if took < 0 {
			t.Errorf("got negative duration %v", took)
		}
		count, found, err := s.EstimatedCount(ctx, "cars")
		if err != nil {
			t.Fatal(err)
		}
		if !found || count != 7 {
			t.Errorf("got count %d (found %v), want 7", count, found)
		}
	})
}

func TestAnalyzeFailure(t *testing.T) {
	withStorage(t, func(s *Storage) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.Analyze(ctx); !errors.Is(err, ErrMaintenanceFailed) {
			t.Errorf("got %v, want ErrMaintenanceFailed", err)
		}
	})
}
