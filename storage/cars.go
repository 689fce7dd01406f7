package storage

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

const carColumns = `id, name, full_name, rarity, enabled, emoji, created_at`

// LoadCars returns every car ordered by id.
func (s *Storage) LoadCars(ctx context.Context) ([]*structs.Car, error) {
	result := []*structs.Car{}
	if err := s.db.SelectContext(ctx, &result, `SELECT `+carColumns+` FROM cars ORDER BY id`); err != nil {
		return nil, carfigures.WithStack(err)
	}
	return result, nil
}

// CarByFullName finds the car whose full name equals fullName ignoring case.
// Returns os.ErrNotExist if there is none.
func (s *Storage) CarByFullName(ctx context.Context, fullName string) (*structs.Car, error) {
	car := &structs.Car{}
	err := s.db.GetContext(ctx, car, `SELECT `+carColumns+` FROM cars WHERE full_name = ? COLLATE NOCASE`, strings.TrimSpace(fullName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, carfigures.WithStack(os.ErrNotExist)
	} else if err != nil {
		return nil, carfigures.WithStack(err)
	}
	return car, nil
}

// LoadCar returns the car with id, or os.ErrNotExist.
func (s *Storage) LoadCar(ctx context.Context, id int64) (*structs.Car, error) {
	car := &structs.Car{}
	err := s.db.GetContext(ctx, car, `SELECT `+carColumns+` FROM cars WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, carfigures.WithStack(os.ErrNotExist)
	} else if err != nil {
		return nil, carfigures.WithStack(err)
	}
	return car, nil
}

// CreateCar inserts car and sets its ID and creation time.
func (s *Storage) CreateCar(ctx context.Context, car *structs.Car) error {
	if err := car.Validate(); err != nil {
		return carfigures.WithStack(err)
	}
	if car.Created == 0 {
		car.Created = time.Now().Unix()
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO cars (name, full_name, rarity, enabled, emoji, created_at)
		VALUES (:name, :full_name, :rarity, :enabled, :emoji, :created_at)`, car)
	if err != nil {
		return carfigures.WithStack(err)
	}
	if car.ID, err = res.LastInsertId(); err != nil {
		return carfigures.WithStack(err)
	}
	return nil
}

// UpdateCar overwrites the mutable fields of an existing car.
func (s *Storage) UpdateCar(ctx context.Context, car *structs.Car) error {
	if err := car.Validate(); err != nil {
		return carfigures.WithStack(err)
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE cars SET name = :name, full_name = :full_name, rarity = :rarity,
		enabled = :enabled, emoji = :emoji WHERE id = :id`, car)
	if err != nil {
		return carfigures.WithStack(err)
	}
	return carfigures.WithStack(affectedOne(res))
}

func (s *Storage) DeleteCar(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cars WHERE id = ?`, id)
	if err != nil {
		return carfigures.WithStack(err)
	}
	return carfigures.WithStack(affectedOne(res))
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return os.ErrNotExist
	}
	return nil
}
