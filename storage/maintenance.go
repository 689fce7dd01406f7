package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/pkg/errors"
)

var (
	ErrMaintenanceFailed = errors.New("maintenance failed")
)

// Analyze refreshes the query planner statistics and returns how long it took.
// Failures wrap ErrMaintenanceFailed. There is no retry.
func (s *Storage) Analyze(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return 0, carfigures.WithStack(errors.Wrapf(ErrMaintenanceFailed, "ANALYZE: %v", err))
	}
	return time.Since(start), nil
}

// EstimatedCount returns the row count recorded by the last Analyze for table.
// found is false if the table was never analyzed.
func (s *Storage) EstimatedCount(ctx context.Context, table string) (count int64, found bool, err error) {
	stat := ""
	err = s.db.GetContext(ctx, &stat, `SELECT stat FROM sqlite_stat1 WHERE tbl = ? ORDER BY idx IS NOT NULL LIMIT 1`, table)
	if errors.Is(err, sql.ErrNoRows) || (err != nil && strings.Contains(err.Error(), "no such table")) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, carfigures.WithStack(err)
	}
	fields := strings.Fields(stat)
	if len(fields) == 0 {
		return 0, false, nil
	}
	if count, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return 0, false, carfigures.WithStack(err)
	}
	return count, true, nil
}
