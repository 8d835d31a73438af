package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/adamscao/castore/internal/models"
)

// Options selects and tunes the backend behind a Conn.
type Options struct {
	Backend string // "sqlite3" or "postgres"
	DSN     string // database file path for sqlite3

	// Capability overrides, nil keeps the dialect default.
	BinaryBlobs             *bool
	DestructiveTransactions *bool

	Log *logrus.Entry
}

// Features reports backend capabilities to the layers above.
type Features struct {
	Backend                 string
	BinaryBlobs             bool
	DestructiveTransactions bool
	PartialIndexes          bool
}

// Conn owns the single backend connection. It is synchronous and not safe
// for concurrent use; the state flags below enforce at most one streaming
// query and one write transaction at a time.
type Conn struct {
	db      *sqlx.DB
	dialect Dialect
	log     *logrus.Entry

	tx    *sqlx.Tx
	rows  *sqlx.Rows
	stmts map[string]*sqlx.Stmt
}

// Open opens the backend named in opts and pins it to one connection.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	dialect, err := LookupDialect(opts.Backend)
	if err != nil {
		return nil, err
	}
	if opts.BinaryBlobs != nil {
		dialect.BinaryBlobs = *opts.BinaryBlobs
	}
	if opts.DestructiveTransactions != nil {
		dialect.DestructiveTransactions = *opts.DestructiveTransactions
	}

	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("backend", dialect.Name)

	dsn := opts.DSN
	if dialect.Driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "failed to create data directory")
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dsn)
	}

	sdb, err := sqlx.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(translate(err, "open", false), "failed to open database")
	}

	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, errors.Wrap(translate(err, "ping", false), "failed to ping database")
	}

	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)

	log.Debug("opened database connection")

	return &Conn{
		db:      sdb,
		dialect: dialect,
		log:     log,
		stmts:   make(map[string]*sqlx.Stmt),
	}, nil
}

// Features returns the capabilities of the open backend
func (c *Conn) Features() Features {
	return Features{
		Backend:                 c.dialect.Name,
		BinaryBlobs:             c.dialect.BinaryBlobs,
		DestructiveTransactions: c.dialect.DestructiveTransactions,
		PartialIndexes:          c.dialect.PartialIndexes,
	}
}

// Dialect returns the capability description used by the query builder.
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// Close cancels any open stream, aborts any open transaction and closes the
// connection.
func (c *Conn) Close() error {
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
	}
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	c.clearStatements()
	return c.db.Close()
}

// InTransaction reports whether a write transaction is open.
func (c *Conn) InTransaction() bool {
	return c.tx != nil
}

// Streaming reports whether a streaming query is open.
func (c *Conn) Streaming() bool {
	return c.rows != nil
}

// statement returns a prepared statement for query, bound to the open
// transaction if there is one.
func (c *Conn) statement(ctx context.Context, query string) (*sqlx.Stmt, error) {
	stmt, ok := c.stmts[query]
	if !ok && c.tx != nil {
		// The transaction holds the only connection, so prepare on it
		// directly. The statement lives as long as the transaction.
		return c.tx.PreparexContext(ctx, query)
	}
	if !ok {
		var err error
		stmt, err = c.db.PreparexContext(ctx, query)
		if err != nil {
			return nil, err
		}
		c.stmts[query] = stmt
	}
	if c.tx != nil {
		return c.tx.StmtxContext(ctx, stmt), nil
	}
	return stmt, nil
}

func (c *Conn) clearStatements() {
	for query, stmt := range c.stmts {
		stmt.Close()
		delete(c.stmts, query)
	}
}

// endTransaction clears the transaction state after a commit or abort,
// whatever the backend reported.
func (c *Conn) endTransaction() {
	c.tx = nil
	if c.dialect.DestructiveTransactions {
		c.clearStatements()
	}
}

func busy(format string, args ...any) error {
	return errors.Wrapf(models.ErrBusy, format, args...)
}
