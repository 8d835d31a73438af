package db

import (
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// Dialect describes what a backend can do. The query builder and schema
// generator consult it instead of rewriting rendered SQL.
type Dialect struct {
	Name   string
	Driver string

	// BindType is the sqlx placeholder style; queries are written with '?'
	// and rebound before they reach the driver.
	BindType int

	// BinaryBlobs is false for backends that can only hold text, in which
	// case blob parameters are stored base64-encoded.
	BinaryBlobs bool

	// DestructiveTransactions backends drop prepared statements on commit
	// or rollback.
	DestructiveTransactions bool

	// PartialIndexes backends accept CREATE INDEX ... WHERE.
	PartialIndexes bool

	BlobType   string
	DateType   string
	TextFormat string // printf format taking the column width

	// Wildcard is the LIKE multi-character wildcard.
	Wildcard string
}

var dialects = map[string]Dialect{
	"sqlite3": {
		Name:           "sqlite3",
		Driver:         "sqlite3",
		BindType:       sqlx.QUESTION,
		BinaryBlobs:    true,
		PartialIndexes: true,
		BlobType:       "BLOB",
		DateType:       "DATETIME",
		TextFormat:     "TEXT",
		Wildcard:       "%",
	},
	"postgres": {
		Name:           "postgres",
		Driver:         "postgres",
		BindType:       sqlx.DOLLAR,
		BinaryBlobs:    true,
		PartialIndexes: true,
		BlobType:       "BYTEA",
		DateType:       "TIMESTAMP WITH TIME ZONE",
		TextFormat:     "VARCHAR(%d)",
		Wildcard:       "%",
	},
}

// LookupDialect returns the capability description for a backend name.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return Dialect{}, errors.Wrapf(models.ErrParam, "unsupported backend %q (supported: %v)", name, Backends())
	}
	return d, nil
}

// Backends lists the supported backend names
func Backends() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Text returns the column type for a text column of the given width.
func (d Dialect) Text(width int) string {
	if d.TextFormat == "TEXT" {
		return "TEXT"
	}
	return fmt.Sprintf(d.TextFormat, width)
}

// Blob returns the column type used for object payloads.
func (d Dialect) Blob() string {
	if !d.BinaryBlobs {
		return "TEXT"
	}
	return d.BlobType
}

// Rebind rewrites '?' placeholders into the backend's bind style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.BindType, query)
}
