package db

import (
	"context"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// UpdateMode selects how Update treats its statement.
type UpdateMode int

const (
	// UpdateNormal runs a single statement outside any transaction.
	UpdateNormal UpdateMode = iota
	// UpdateBegin opens a transaction and runs the statement in it.
	UpdateBegin
	// UpdateContinue runs the statement in the open transaction.
	UpdateContinue
	// UpdateCommit runs the statement, if any, and commits.
	UpdateCommit
	// UpdateAbort rolls back the open transaction.
	UpdateAbort
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateNormal:
		return "normal"
	case UpdateBegin:
		return "begin"
	case UpdateContinue:
		return "continue"
	case UpdateCommit:
		return "commit"
	case UpdateAbort:
		return "abort"
	}
	return "unknown"
}

// Update runs a write statement. An empty statement is allowed for Begin,
// Commit and Abort. Abort without an open transaction is a no-op. Commit and
// Abort always leave the connection without a transaction, and a statement
// failing inside a transaction rolls it back.
func (c *Conn) Update(ctx context.Context, query string, params Params, mode UpdateMode) error {
	if mode == UpdateAbort {
		if c.tx == nil {
			return nil
		}
		err := c.tx.Rollback()
		c.endTransaction()
		c.log.Debug("transaction aborted")
		if err != nil {
			return translate(err, "rollback", true)
		}
		return nil
	}

	if c.rows != nil {
		return busy("query in progress, cannot update")
	}

	switch mode {
	case UpdateNormal:
		if c.tx != nil {
			return busy("transaction in progress")
		}
		return c.exec(ctx, query, params)

	case UpdateBegin:
		if c.tx != nil {
			return busy("transaction already in progress")
		}
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return translate(err, "begin transaction", true)
		}
		c.tx = tx
		c.log.Debug("transaction started")
		if query == "" {
			return nil
		}
		if err := c.exec(ctx, query, params); err != nil {
			c.tx.Rollback()
			c.endTransaction()
			return err
		}
		return nil

	case UpdateContinue:
		if c.tx == nil {
			return errors.Wrap(models.ErrInternal, "no transaction in progress")
		}
		if err := c.exec(ctx, query, params); err != nil {
			c.tx.Rollback()
			c.endTransaction()
			return err
		}
		return nil

	case UpdateCommit:
		if c.tx == nil {
			return errors.Wrap(models.ErrInternal, "no transaction in progress")
		}
		if query != "" {
			if err := c.exec(ctx, query, params); err != nil {
				c.tx.Rollback()
				c.endTransaction()
				return err
			}
		}
		err := c.tx.Commit()
		c.endTransaction()
		if err != nil {
			return translate(err, "commit", true)
		}
		c.log.Debug("transaction committed")
		return nil
	}

	return errors.Wrapf(models.ErrParam, "update mode %d", mode)
}

// UpdateCount runs a single statement outside any transaction and returns
// the number of rows it affected.
func (c *Conn) UpdateCount(ctx context.Context, query string, params Params) (int64, error) {
	if c.rows != nil {
		return 0, busy("query in progress, cannot update")
	}
	if c.tx != nil {
		return 0, busy("transaction in progress")
	}
	rebound := c.dialect.Rebind(query)
	c.log.Debug(rebound)
	stmt, err := c.statement(ctx, rebound)
	if err != nil {
		return 0, translate(err, "prepare update", true)
	}
	result, err := stmt.ExecContext(ctx, params.args(c.dialect)...)
	if err != nil {
		return 0, translate(err, "update", true)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, translate(err, "rows affected", true)
	}
	return n, nil
}

func (c *Conn) exec(ctx context.Context, query string, params Params) error {
	rebound := c.dialect.Rebind(query)
	c.log.Debug(rebound)
	stmt, err := c.statement(ctx, rebound)
	if err != nil {
		return translate(err, "prepare update", true)
	}
	if _, err := stmt.ExecContext(ctx, params.args(c.dialect)...); err != nil {
		return translate(err, "update", true)
	}
	return nil
}
