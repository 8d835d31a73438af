package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// QueryMode selects how Query treats its statement.
type QueryMode int

const (
	// QueryNormal fetches a single row and finishes.
	QueryNormal QueryMode = iota
	// QueryCheck only reports whether a row exists.
	QueryCheck
	// QueryStart begins a streaming query and returns its first row.
	QueryStart
	// QueryContinue returns the next row of the open stream.
	QueryContinue
	// QueryCancel closes the open stream.
	QueryCancel
)

func (m QueryMode) String() string {
	switch m {
	case QueryNormal:
		return "normal"
	case QueryCheck:
		return "check"
	case QueryStart:
		return "start"
	case QueryContinue:
		return "continue"
	case QueryCancel:
		return "cancel"
	}
	return "unknown"
}

// Query runs a read statement. Exhausted or empty results are reported as
// models.ErrNotFound; a finished stream is closed automatically.
func (c *Conn) Query(ctx context.Context, query string, params Params, mode QueryMode) (Row, error) {
	switch mode {
	case QueryContinue:
		if c.rows == nil {
			return nil, busy("no query in progress")
		}
		return c.nextRow()

	case QueryCancel:
		if c.rows != nil {
			c.rows.Close()
			c.rows = nil
		}
		return nil, nil

	case QueryNormal, QueryCheck, QueryStart:
	default:
		return nil, errors.Wrapf(models.ErrParam, "query mode %d", mode)
	}

	if c.rows != nil {
		return nil, busy("query already in progress")
	}

	rebound := c.dialect.Rebind(query)
	c.log.WithField("mode", mode).Debug(rebound)

	stmt, err := c.statement(ctx, rebound)
	if err != nil {
		return nil, translate(err, "prepare query", false)
	}
	args := params.args(c.dialect)

	if mode == QueryStart {
		rows, err := stmt.QueryxContext(ctx, args...)
		if err != nil {
			return nil, translate(err, "query", false)
		}
		c.rows = rows
		return c.nextRow()
	}

	row, err := stmt.QueryRowxContext(ctx, args...).SliceScan()
	if err != nil {
		return nil, translate(err, "query", false)
	}
	if mode == QueryCheck {
		return nil, nil
	}
	return Row(row), nil
}

func (c *Conn) nextRow() (Row, error) {
	if c.rows.Next() {
		row, err := c.rows.SliceScan()
		if err != nil {
			c.rows.Close()
			c.rows = nil
			return nil, translate(err, "fetch row", false)
		}
		return Row(row), nil
	}

	err := c.rows.Err()
	c.rows.Close()
	c.rows = nil
	if err != nil {
		return nil, translate(err, "fetch row", false)
	}
	return nil, errors.WithStack(translate(sql.ErrNoRows, "fetch row", false))
}
