package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Config describes how to connect to the shared Postgres instance backing
// every butler's schema.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the libpq-style connection string pgx's stdlib driver expects.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Client is the shared database handle. One Client is opened per process;
// individual butlers operate against it scoped to their own schema by
// qualifying table names with QualifyTable, or by pinning one connection's
// search_path with WithSchema.
type Client struct {
	DB *sqlx.DB
}

// NewClient opens a connection pool against the configured Postgres
// instance. It does not select a schema; callers scope operations with
// WithSchema or by qualifying table names.
func NewClient(cfg Config) (*Client, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &Client{DB: db}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

// WithSchema returns a context-bound exec wrapper that pins every connection
// checked out for the lifetime of fn to the given Postgres schema via
// search_path. The repositories in this module do not go through it; they
// qualify every table name with QualifyTable instead.
func (c *Client) WithSchema(ctx context.Context, schema string, fn func(*sqlx.Conn) error) error {
	conn, err := c.DB.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %s, public`, quoteIdent(schema))); err != nil {
		return fmt.Errorf("set search_path to %s: %w", schema, err)
	}

	return fn(conn)
}

// EnsureSchema creates the named schema if it does not already exist.
func (c *Client) EnsureSchema(ctx context.Context, schema string) error {
	_, err := c.DB.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schema)))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

// quoteIdent performs minimal identifier quoting for schema names, which are
// sourced from validated config (pkg/config), never from untrusted input.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// QualifyTable renders a schema-qualified, quoted table reference. Every
// per-butler repository query is built against an explicit schema rather
// than relying on a pooled connection's search_path, since pgx/sqlx pools
// don't guarantee the same physical connection across calls.
func QualifyTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// QuoteIdent exposes identifier quoting for callers building DDL for
// names that aren't plain schema-qualified table references (e.g.
// dynamically named partitions), still sourced only from validated
// config or internally derived names, never untrusted input.
func QuoteIdent(name string) string {
	return quoteIdent(name)
}
