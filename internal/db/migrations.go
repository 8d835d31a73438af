package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// Column widths
const (
	IDWidth      = 22 // base64 of a 128-bit identifier
	CountryWidth = 2
	TextWidth    = 64
)

// SchemaVersion is the version recorded by RunMigrations
const SchemaVersion = 1

// RunMigrations creates any missing tables and indexes and records the
// schema version. caStore adds the request, PKI user and log tables.
func RunMigrations(ctx context.Context, conn *Conn, caStore bool) error {
	statements := SchemaStatements(conn.Dialect(), caStore)

	if err := conn.Update(ctx, "", nil, UpdateBegin); err != nil {
		return errors.Wrap(err, "failed to begin schema transaction")
	}
	for _, stmt := range statements {
		if err := conn.Update(ctx, stmt, nil, UpdateContinue); err != nil {
			conn.Update(ctx, "", nil, UpdateAbort)
			return errors.Wrap(err, "failed to create schema")
		}
	}

	_, err := conn.Query(ctx, `SELECT version FROM schema_version`, nil, QueryCheck)
	switch {
	case errors.Is(err, models.ErrNotFound):
		err = conn.Update(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			Params{Int(SchemaVersion), Time(time.Now())}, UpdateCommit)
	case err == nil:
		err = conn.Update(ctx, "", nil, UpdateCommit)
	default:
		conn.Update(ctx, "", nil, UpdateAbort)
	}
	if err != nil {
		return errors.Wrap(err, "failed to record schema version")
	}
	return nil
}

// CurrentVersion returns the recorded schema version.
func CurrentVersion(ctx context.Context, conn *Conn) (int, error) {
	row, err := conn.Query(ctx, `SELECT MAX(version) FROM schema_version`, nil, QueryNormal)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get current schema version")
	}
	return int(row.Int(0)), nil
}

// SchemaStatements computes the table and index DDL for a dialect.
func SchemaStatements(d Dialect, caStore bool) []string {
	id := d.Text(IDWidth)
	text := d.Text(TextWidth)
	dn := fmt.Sprintf(`C %s, SP %s, L %s, O %s, OU %s, CN %s`,
		d.Text(CountryWidth), text, text, text, text, text)

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER NOT NULL,
    applied_at  %s NOT NULL
)`, d.DateType),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS certificates (
    %s,
    email    %s,
    validTo  %s NOT NULL,
    nameID   %s NOT NULL,
    issuerID %s NOT NULL,
    keyID    %s NOT NULL,
    certID   %s NOT NULL,
    state    INTEGER NOT NULL DEFAULT 0,
    certData %s NOT NULL
)`, dn, text, d.DateType, id, id, id, id, d.Blob()),

		`CREATE INDEX IF NOT EXISTS certificates_nameID ON certificates(nameID)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS certificates_issuerID ON certificates(issuerID)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS certificates_certID ON certificates(certID)`,
		`CREATE INDEX IF NOT EXISTS certificates_validTo ON certificates(validTo)`,
		`CREATE INDEX IF NOT EXISTS certificates_state ON certificates(state)`,
		`CREATE INDEX IF NOT EXISTS certificates_CN ON certificates(CN)`,
		`CREATE INDEX IF NOT EXISTS certificates_email ON certificates(email)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS CRLs (
    expiryDate %s,
    nameID     %s,
    issuerID   %s NOT NULL,
    certID     %s,
    certData   %s NOT NULL
)`, d.DateType, id, id, id, d.Blob()),

		`CREATE INDEX IF NOT EXISTS CRLs_nameID ON CRLs(nameID)`,
	}

	// A pending renewal shares its key with the certificate it replaces, so
	// keyID is only unique among visible rows.
	if d.PartialIndexes {
		statements = append(statements,
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS certificates_keyID ON certificates(keyID) WHERE state = %d`,
				models.StateVisible))
	} else {
		statements = append(statements, `CREATE INDEX IF NOT EXISTS certificates_keyID ON certificates(keyID)`)
	}

	if !caStore {
		return append(statements,
			`CREATE UNIQUE INDEX IF NOT EXISTS CRLs_issuerID ON CRLs(issuerID)`)
	}

	return append(statements,
		`CREATE INDEX IF NOT EXISTS CRLs_issuerID ON CRLs(issuerID)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS CRLs_certID ON CRLs(certID)`,
		`CREATE INDEX IF NOT EXISTS CRLs_expiryDate ON CRLs(expiryDate)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pkiUsers (
    %s,
    nameID   %s NOT NULL,
    keyID    %s NOT NULL,
    certID   %s NOT NULL,
    certData %s NOT NULL
)`, dn, id, id, id, d.Blob()),

		`CREATE UNIQUE INDEX IF NOT EXISTS pkiUsers_nameID ON pkiUsers(nameID)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS pkiUsers_keyID ON pkiUsers(keyID)`,
		`CREATE INDEX IF NOT EXISTS pkiUsers_certID ON pkiUsers(certID)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS certRequests (
    type     INTEGER NOT NULL,
    %s,
    email    %s,
    certID   %s NOT NULL,
    certData %s NOT NULL
)`, dn, text, id, d.Blob()),

		`CREATE UNIQUE INDEX IF NOT EXISTS certRequests_certID ON certRequests(certID)`,
		`CREATE INDEX IF NOT EXISTS certRequests_type ON certRequests(type)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS certLog (
    action     INTEGER NOT NULL,
    actionTime %s NOT NULL,
    certID     %s NOT NULL,
    reqCertID  %s,
    subjCertID %s,
    certData   %s
)`, d.DateType, id, id, id, d.Blob()),

		`CREATE UNIQUE INDEX IF NOT EXISTS certLog_certID ON certLog(certID)`,
		`CREATE INDEX IF NOT EXISTS certLog_reqCertID ON certLog(reqCertID)`,
		`CREATE INDEX IF NOT EXISTS certLog_subjCertID ON certLog(subjCertID)`,
		`CREATE INDEX IF NOT EXISTS certLog_action ON certLog(action)`,
	)
}
