package storage

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

// LoadAdmin returns the admin named username, or os.ErrNotExist.
func (s *Storage) LoadAdmin(ctx context.Context, username string) (*structs.Admin, error) {
	admin := &structs.Admin{}
	err := s.db.GetContext(ctx, admin, `SELECT id, username, password_hash, created_at FROM admins WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, carfigures.WithStack(os.ErrNotExist)
	} else if err != nil {
		return nil, carfigures.WithStack(err)
	}
	return admin, nil
}

// SetAdmin inserts admin, or replaces the password of an existing one with
// the same username.
func (s *Storage) SetAdmin(ctx context.Context, admin *structs.Admin) error {
	if admin.Username == "" || admin.PasswordHash == "" {
		return errors.New("admin needs username and password hash")
	}
	if admin.Created == 0 {
		admin.Created = time.Now().Unix()
	}
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO admins (username, password_hash, created_at)
		VALUES (:username, :password_hash, :created_at)
		ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`, admin); err != nil {
		return carfigures.WithStack(err)
	}
	stored, err := s.LoadAdmin(ctx, admin.Username)
	if err != nil {
		return carfigures.WithStack(err)
	}
	*admin = *stored
	return nil
}

func (s *Storage) DeleteAdmin(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE username = ?`, username)
	if err != nil {
		return carfigures.WithStack(err)
	}
	return carfigures.WithStack(affectedOne(res))
}
