package structs

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Car is a collectible definition owned by the persistent store.
// Values handed out by the cache are shared between readers and must be
// treated as read-only.
type Car struct {
	ID       int64   `db:"id" json:"id"`
	Name     string  `db:"name" json:"name"`
	FullName string  `db:"full_name" json:"full_name"`
	Rarity   float64 `db:"rarity" json:"rarity"`
	Enabled  bool    `db:"enabled" json:"enabled"`
	Emoji    string  `db:"emoji" json:"emoji"`
	Created  int64   `db:"created_at" json:"created_at"`
}

func (c *Car) CreatedAt() time.Time {
	return time.Unix(c.Created, 0).UTC()
}

// Spawnable reports whether random draws may select the car.
func (c *Car) Spawnable() bool {
	return c.Enabled
}

// Matches compares against the full name the way lookups do.
func (c *Car) Matches(fullName string) bool {
	return strings.EqualFold(c.FullName, strings.TrimSpace(fullName))
}

func (c *Car) String() string {
	if c.Emoji != "" {
		return fmt.Sprintf("%s %s", c.Emoji, c.FullName)
	}
	return c.FullName
}

// Validate checks the fields the store and the panel require.
func (c *Car) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(c.FullName) == "" {
		return fmt.Errorf("full name is required")
	}
	if math.IsNaN(c.Rarity) || math.IsInf(c.Rarity, 0) {
		return fmt.Errorf("rarity must be a finite number, got %v", c.Rarity)
	}
	if c.Rarity < 0 {
		return fmt.Errorf("rarity must be non-negative, got %v", c.Rarity)
	}
	return nil
}

// Admin is a web panel and console login.
type Admin struct {
	ID           int64  `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	Created      int64  `db:"created_at" json:"created_at"`
}

// Guild is a community the bot is a member of.
type Guild struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	MemberCount int    `db:"member_count" json:"member_count"`
}
