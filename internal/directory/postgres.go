package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConf contains the user table lookup configuration.
type PostgresConf struct {
	DSN      string `json:"dsn"`
	Table    string `json:"table"`
	Column   string `json:"column"`
	MaxConns int32  `json:"max_conns"`
}

// Postgres looks up users in the grocery backend's database.
type Postgres struct {
	db *pgxpool.Pool
	q  string
}

// NewPostgres connects to the user database.
func NewPostgres(ctx context.Context, c PostgresConf) (*Postgres, error) {
	if c.Table == "" {
		c.Table = "users"
	}
	if c.Column == "" {
		c.Column = "email"
	}

	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing directory dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The table may be schema qualified.
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE LOWER(%s) = $1)`,
		pgx.Identifier(strings.Split(c.Table, ".")).Sanitize(),
		pgx.Identifier{c.Column}.Sanitize())

	return &Postgres{db: db, q: q}, nil
}

// Exists tells if a user with the identity exists.
func (p *Postgres) Exists(ctx context.Context, identity string) (bool, error) {
	var ok bool
	if err := p.db.QueryRow(ctx, p.q, identity).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}
