package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence backed by Postgres. The queue, artwork cache
// and statistics tables live in one database reachable by every bot
// instance, so the queue survives restarts and can be shared.
type Store struct {
	db *sql.DB
	// statsLoc fixes the calendar-day boundary for daily_stats rows, so
	// day buckets do not drift with the host timezone.
	statsLoc *time.Location
}

// New sets up a Store using the provided database handle. loc is the
// timezone daily statistics are bucketed in; nil falls back to UTC.
func New(db *sql.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, statsLoc: loc}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
