package storage

import (
	"context"
	"database/sql"
	"os"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

// LoadGuilds returns every known guild in insertion order.
func (s *Storage) LoadGuilds(ctx context.Context) ([]*structs.Guild, error) {
	result := []*structs.Guild{}
	if err := s.db.SelectContext(ctx, &result, `SELECT id, name, member_count FROM guilds ORDER BY id`); err != nil {
		return nil, carfigures.WithStack(err)
	}
	return result, nil
}

// LoadGuild returns the guild with id, or os.ErrNotExist.
func (s *Storage) LoadGuild(ctx context.Context, id int64) (*structs.Guild, error) {
	guild := &structs.Guild{}
	if err := s.db.GetContext(ctx, guild, `SELECT id, name, member_count FROM guilds WHERE id = ?`, id); errors.Is(err, sql.ErrNoRows) {
		return nil, carfigures.WithStack(os.ErrNotExist)
	} else if err != nil {
		return nil, carfigures.WithStack(err)
	}
	return guild, nil
}

func (s *Storage) CreateGuild(ctx context.Context, guild *structs.Guild) error {
	if guild.Name == "" {
		return errors.New("guild needs a name")
	}
	if guild.MemberCount < 0 {
		return errors.Errorf("member count must be non-negative, got %d", guild.MemberCount)
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO guilds (name, member_count) VALUES (:name, :member_count)`, guild)
	if err != nil {
		return carfigures.WithStack(err)
	}
	if guild.ID, err = res.LastInsertId(); err != nil {
		return carfigures.WithStack(err)
	}
	return nil
}

func (s *Storage) DeleteGuild(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guilds WHERE id = ?`, id)
	if err != nil {
		return carfigures.WithStack(err)
	}
	return carfigures.WithStack(affectedOne(res))
}
