package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carfigures/carfigures"
	"github.com/jmoiron/sqlx"
	"gopkg.in/natefinch/lumberjack.v2"

	_ "modernc.org/sqlite"
)

const (
	databaseFile = "carfigures.db"
	auditFile    = "audit.log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		rarity REAL NOT NULL DEFAULT 1,
		enabled INTEGER NOT NULL DEFAULT 1,
		emoji TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS guilds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		member_count INTEGER NOT NULL DEFAULT 0
	)`,
}

// Storage is the persistent store shared by the bot and the admin panel.
type Storage struct {
	dir   string
	db    *sqlx.DB
	audit *AuditLogger
}

// New opens (creating if necessary) the database in dir.
func New(ctx context.Context, dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, carfigures.WithStack(err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", filepath.Join(dir, databaseFile))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, carfigures.WithStack(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, carfigures.WithStack(err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, carfigures.WithStack(err)
		}
	}
	return &Storage{
		dir: dir,
		db:  db,
		audit: NewAuditLogger(&lumberjack.Logger{
			Filename:   filepath.Join(dir, auditFile),
			MaxSize:    10,
			MaxBackups: 5,
			Compress:   true,
		}),
	}, nil
}

func (s *Storage) Dir() string {
	return s.dir
}

func (s *Storage) Close() error {
	auditErr := s.audit.Close()
	if err := s.db.Close(); err != nil {
		return carfigures.WithStack(err)
	}
	return carfigures.WithStack(auditErr)
}

// AuditLog records a security relevant event.
func (s *Storage) AuditLog(ctx context.Context, event string, data AuditData) {
	s.audit.Log(ctx, event, data)
}
