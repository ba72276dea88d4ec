package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Pool bounds the sqlx connection pool. Zero fields fall back to DefaultPool.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

var DefaultPool = Pool{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxIdleTime: 5 * time.Minute}

// Connect opens and pings the PostgreSQL database at databaseURL.
func Connect(ctx context.Context, databaseURL string, pool Pool) (*sqlx.DB, error) {
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = DefaultPool.MaxOpenConns
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = DefaultPool.MaxIdleConns
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = DefaultPool.ConnMaxIdleTime
	}

	// ConnectContext pings before returning
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	logrus.WithFields(logrus.Fields{
		"max_open": pool.MaxOpenConns,
		"max_idle": pool.MaxIdleConns,
	}).Info("[DB] Connected to PostgreSQL")
	return db, nil
}
