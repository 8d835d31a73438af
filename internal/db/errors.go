package db

import (
	"database/sql"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// translate maps a backend error onto the error taxonomy using the
// backend's own state codes. Anything unclassified becomes a read or write
// failure carrying the backend's diagnostic text.
func translate(err error, op string, write bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(models.ErrNotFound, op)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint:
			if liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return errors.Wrapf(models.ErrDuplicate, "%s: %s", op, liteErr.Error())
			}
			return errors.Wrapf(models.ErrBadData, "%s: %s", op, liteErr.Error())
		case sqlite3.ErrReadonly, sqlite3.ErrPerm, sqlite3.ErrAuth:
			return errors.Wrapf(models.ErrPermission, "%s: %s", op, liteErr.Error())
		case sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return errors.Wrapf(models.ErrBadData, "%s: %s", op, liteErr.Error())
		case sqlite3.ErrNotFound:
			return errors.Wrapf(models.ErrNotFound, "%s: %s", op, liteErr.Error())
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return errors.Wrapf(models.ErrDuplicate, "%s: %s", op, pqErr.Message)
		case pqErr.Code == "42501":
			return errors.Wrapf(models.ErrPermission, "%s: %s", op, pqErr.Message)
		case pqErr.Code.Class() == "22":
			return errors.Wrapf(models.ErrBadData, "%s: %s", op, pqErr.Message)
		case pqErr.Code == "25006":
			return errors.Wrapf(models.ErrPermission, "%s: %s", op, pqErr.Message)
		}
	}

	if write {
		return errors.Wrapf(models.ErrWrite, "%s: %v", op, err)
	}
	return errors.Wrapf(models.ErrRead, "%s: %v", op, err)
}
