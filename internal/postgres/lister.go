// Package postgres discovers the databases inside registry-known PostgreSQL clusters.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultPort is the port clusters are reached on.
const DefaultPort = 5432

const listDatabasesSQL = `
	SELECT datname
	  FROM pg_database
	 WHERE datname NOT IN ('postgres', 'template0', 'template1')
	 ORDER BY datname`

// DatabaseLister lists the user databases of one cluster.
type DatabaseLister interface {
	ListDatabases(ctx context.Context, host string, port int) ([]string, error)
}

// PgxLister connects with pgx over TLS as a fixed user.
type PgxLister struct {
	User           string
	Password       string
	ConnectTimeout time.Duration
}

// ListDatabases connects to the maintenance database and lists the others.
func (l *PgxLister) ListDatabases(ctx context.Context, host string, port int) ([]string, error) {
	cfg, err := pgx.ParseConfig(fmt.Sprintf("host=%s port=%d dbname=postgres sslmode=require", host, port))
	if err != nil {
		return nil, fmt.Errorf("parse connection config for %s: %w", host, err)
	}
	cfg.User = l.User
	cfg.Password = l.Password
	if l.ConnectTimeout > 0 {
		cfg.ConnectTimeout = l.ConnectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	rows, err := conn.Query(ctx, listDatabasesSQL)
	if err != nil {
		return nil, fmt.Errorf("list databases on %s: %w", host, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("read databases on %s: %w", host, err)
	}
	return names, nil
}
