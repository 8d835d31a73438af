package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// Query describes a keyed lookup.
type Query struct {
	Kind   certobj.Kind
	IDType keyid.IDType
	ID     string
	Usage  Usage

	// Chain makes GetNext walk to the issuer of the previous certificate
	// instead of continuing the result set.
	Chain bool
}

// Field is a certificates column that pattern searches may target.
type Field string

const (
	FieldCountry            Field = "C"
	FieldStateOrProvince    Field = "SP"
	FieldLocality           Field = "L"
	FieldOrganization       Field = "O"
	FieldOrganizationalUnit Field = "OU"
	FieldCommonName         Field = "CN"
	FieldEmail              Field = "email"
)

// ParseField validates a search field name.
func ParseField(name string) (Field, error) {
	switch f := Field(name); f {
	case FieldCountry, FieldStateOrProvince, FieldLocality, FieldOrganization,
		FieldOrganizationalUnit, FieldCommonName, FieldEmail:
		return f, nil
	}
	return "", errors.Wrapf(models.ErrParam, "cannot search on field %q", name)
}

// cursor is the state of a GetFirst/GetNext sequence.
type cursor struct {
	query  Query
	table  string
	sql    string
	params db.Params

	// pattern searches have no identifier to re-derive
	pattern bool

	streaming  bool
	iterations int

	lastSubject []byte
	lastIssuer  []byte
}

func (k *Keyset) selectSQL(table, where string) string {
	switch table {
	case "certificates":
		return `SELECT certData, state FROM certificates WHERE ` + where + ` AND state = 0`
	case "certRequests":
		return `SELECT certData, type FROM certRequests WHERE ` + where
	}
	return `SELECT certData FROM ` + table + ` WHERE ` + where
}

func (k *Keyset) newCursor(q Query) (*cursor, error) {
	if q.ID == "" {
		return nil, errors.Wrap(models.ErrParam, "empty identifier")
	}
	table, err := k.table(q.Kind)
	if err != nil {
		return nil, err
	}
	column, err := idColumn(table, q.IDType)
	if err != nil {
		return nil, err
	}
	id := q.ID
	if q.IDType == keyid.IDName || q.IDType == keyid.IDURI {
		if id, err = keyid.MakeKeyID(q.IDType, []byte(q.ID)); err != nil {
			return nil, err
		}
		q.ID = id
	}
	return &cursor{
		query:  q,
		table:  table,
		sql:    k.selectSQL(table, column+` = ?`),
		params: db.Params{db.String(id)},
	}, nil
}

// next returns the next acceptable object from the cursor's result set.
// Rejected candidates are skipped; the whole scan is bounded by the
// iteration limit.
func (k *Keyset) next(ctx context.Context, c *cursor) (certobj.Object, error) {
	mode := db.QueryContinue
	if !c.streaming {
		mode = db.QueryStart
	}
	for {
		if c.iterations >= k.opts.MaxIterations {
			k.cancel(ctx, c)
			return nil, errors.Wrapf(models.ErrIterationLimit, "lookup in %s exceeded %d rows", c.table, k.opts.MaxIterations)
		}
		c.iterations++

		row, err := k.conn.Query(ctx, c.sql, c.params, mode)
		if err != nil {
			c.streaming = false
			return nil, err
		}
		c.streaming = true
		mode = db.QueryContinue

		obj, err := k.candidate(c, row)
		if err != nil {
			k.log.WithError(err).WithField("table", c.table).Warn("skipping stored object")
			continue
		}
		if obj != nil {
			return obj, nil
		}
	}
}

// candidate imports one result row, returning nil for a row that does not
// satisfy the cursor's query.
func (k *Keyset) candidate(c *cursor, row db.Row) (certobj.Object, error) {
	kind := storedKind(c.table)
	switch c.table {
	case "certificates":
		if state := models.RowState(row.Int(1)); state != models.StateVisible {
			return nil, errors.Wrapf(models.ErrInternal, "backend returned a %s row", state)
		}
	case "certRequests":
		var err error
		if kind, err = requestKind(models.RequestType(row.Int(1))); err != nil {
			return nil, err
		}
	}

	data, err := k.decode(row, 0)
	if err != nil {
		return nil, err
	}
	if c.table == "certificates" && !matchesUsage(data, c.query.Usage) {
		return nil, nil
	}

	obj, err := k.objects.Import(data, kind)
	if err != nil {
		return nil, err
	}
	if c.pattern {
		return obj, nil
	}

	derived, err := keyid.Derive(obj, c.query.IDType)
	if err != nil || derived != c.query.ID {
		obj.Destroy()
		if err == nil {
			err = errors.Wrapf(models.ErrBadData, "stored object does not match %s %s", c.query.IDType, c.query.ID)
		}
		return nil, err
	}
	return obj, nil
}

func (k *Keyset) cancel(ctx context.Context, c *cursor) {
	if c.streaming {
		k.conn.Query(ctx, "", nil, db.QueryCancel)
		c.streaming = false
	}
}

// GetItem fetches a single object by identifier.
func (k *Keyset) GetItem(ctx context.Context, kind certobj.Kind, idType keyid.IDType, id string, usage Usage) (certobj.Object, error) {
	c, err := k.newCursor(Query{Kind: kind, IDType: idType, ID: id, Usage: usage})
	if err != nil {
		return nil, err
	}
	obj, err := k.next(ctx, c)
	k.cancel(ctx, c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s by %s", kind, idType)
	}
	return obj, nil
}

// GetFirst starts a lookup that GetNext continues. The result set stays
// open between calls, so other queries and updates fail until the sequence
// ends or CancelQuery is called.
func (k *Keyset) GetFirst(ctx context.Context, q Query) (certobj.Object, error) {
	k.CancelQuery(ctx)
	c, err := k.newCursor(q)
	if err != nil {
		return nil, err
	}
	return k.first(ctx, c)
}

// FindByPattern starts a search of the visible certificates whose field
// matches a pattern, '*' matching any run of characters. GetNext returns
// further matches.
func (k *Keyset) FindByPattern(ctx context.Context, field Field, pattern string) (certobj.Object, error) {
	k.CancelQuery(ctx)
	if _, err := ParseField(string(field)); err != nil {
		return nil, err
	}
	clause, err := k.conn.LikeClause(string(field), pattern, k.opts.MaxQuerySize)
	if err != nil {
		return nil, err
	}
	c := &cursor{
		query:   Query{Kind: certobj.KindCertificate},
		table:   "certificates",
		sql:     k.selectSQL("certificates", clause),
		pattern: true,
	}
	return k.first(ctx, c)
}

func (k *Keyset) first(ctx context.Context, c *cursor) (certobj.Object, error) {
	obj, err := k.next(ctx, c)
	if err != nil {
		return nil, err
	}
	k.cursor = c
	if c.query.Chain {
		k.cancel(ctx, c)
		k.remember(c, obj)
	}
	return obj, nil
}

// GetNext returns the next object of the current GetFirst sequence. When
// the sequence is exhausted it returns models.ErrNotFound and ends.
func (k *Keyset) GetNext(ctx context.Context) (certobj.Object, error) {
	c := k.cursor
	if c == nil {
		return nil, errors.Wrap(models.ErrNotFound, "no query in progress")
	}

	if !c.query.Chain {
		if !c.streaming {
			k.cursor = nil
			return nil, errors.Wrap(models.ErrNotFound, "query complete")
		}
		obj, err := k.next(ctx, c)
		if err != nil {
			k.CancelQuery(ctx)
			return nil, err
		}
		return obj, nil
	}

	// Chain walk: the next certificate is the one whose subject is the
	// previous certificate's issuer. A self-signed certificate ends it.
	issuerID, err := keyid.MakeKeyID(keyid.IDNameID, c.lastIssuer)
	if err != nil {
		k.cursor = nil
		return nil, err
	}
	subjectID, err := keyid.MakeKeyID(keyid.IDNameID, c.lastSubject)
	if err != nil || issuerID == subjectID {
		k.cursor = nil
		return nil, errors.Wrap(models.ErrNotFound, "chain complete")
	}

	c.query.IDType = keyid.IDNameID
	c.query.ID = issuerID
	c.query.Usage = UsageAny
	c.sql = k.selectSQL(c.table, `nameID = ?`)
	c.params = db.Params{db.String(issuerID)}

	obj, err := k.next(ctx, c)
	k.cancel(ctx, c)
	if err != nil {
		k.cursor = nil
		return nil, err
	}
	k.remember(c, obj)
	return obj, nil
}

func (k *Keyset) remember(c *cursor, obj certobj.Object) {
	c.lastSubject, _ = obj.Bytes(certobj.AttrSubjectName)
	c.lastIssuer, _ = obj.Bytes(certobj.AttrIssuerName)
}

// CancelQuery ends any GetFirst sequence in progress.
func (k *Keyset) CancelQuery(ctx context.Context) {
	if k.cursor != nil {
		k.cancel(ctx, k.cursor)
		k.cursor = nil
	}
}

// GetCertState fetches a certificate by certID whatever its state. It is
// used by the CA engine to resume multi-step operations and is the only
// read that can return a row that is not visible.
func (k *Keyset) GetCertState(ctx context.Context, certID string) (certobj.Object, models.RowState, error) {
	row, err := k.conn.Query(ctx, `SELECT certData, state FROM certificates WHERE certID = ?`,
		db.Params{db.String(certID)}, db.QueryNormal)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to get certificate")
	}
	obj, err := k.importChecked(row, certobj.KindCertificate, certID)
	if err != nil {
		return nil, 0, err
	}
	return obj, models.RowState(row.Int(1)), nil
}

// GetRequest fetches a pending request by certID.
func (k *Keyset) GetRequest(ctx context.Context, certID string) (certobj.Object, error) {
	if err := k.requireCAStore("GetRequest"); err != nil {
		return nil, err
	}
	row, err := k.conn.Query(ctx, `SELECT certData, type FROM certRequests WHERE certID = ?`,
		db.Params{db.String(certID)}, db.QueryNormal)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get request")
	}
	kind, err := requestKind(models.RequestType(row.Int(1)))
	if err != nil {
		return nil, err
	}
	return k.importChecked(row, kind, certID)
}

func (k *Keyset) importChecked(row db.Row, kind certobj.Kind, certID string) (certobj.Object, error) {
	data, err := k.decode(row, 0)
	if err != nil {
		return nil, err
	}
	obj, err := k.objects.Import(data, kind)
	if err != nil {
		return nil, err
	}
	derived, err := keyid.Derive(obj, keyid.IDCertID)
	if err != nil {
		obj.Destroy()
		return nil, err
	}
	if derived != certID {
		obj.Destroy()
		return nil, errors.Wrapf(models.ErrBadData, "stored object does not match certID %s", certID)
	}
	return obj, nil
}

// FindPartialCert returns the first certificate left in a pending state.
func (k *Keyset) FindPartialCert(ctx context.Context, state models.RowState) (certobj.Object, string, error) {
	row, err := k.conn.Query(ctx, `SELECT certData, certID FROM certificates WHERE state = ? ORDER BY certID LIMIT 1`,
		db.Params{db.Int(int(state))}, db.QueryNormal)
	if err != nil {
		return nil, "", err
	}
	return k.importRow(row, certobj.KindCertificate)
}

// FindExpiredCert returns the first visible certificate that expired
// before now.
func (k *Keyset) FindExpiredCert(ctx context.Context, now time.Time) (certobj.Object, string, error) {
	row, err := k.conn.Query(ctx, `SELECT certData, certID FROM certificates WHERE state = 0 AND validTo < ? ORDER BY validTo LIMIT 1`,
		db.Params{db.Time(now)}, db.QueryNormal)
	if err != nil {
		return nil, "", err
	}
	return k.importRow(row, certobj.KindCertificate)
}

// FindRevocationRequest returns the first pending revocation request.
func (k *Keyset) FindRevocationRequest(ctx context.Context) (certobj.Object, string, error) {
	row, err := k.conn.Query(ctx, `SELECT certData, certID FROM certRequests WHERE type = ? ORDER BY certID LIMIT 1`,
		db.Params{db.Int(int(models.RequestTypeRevocation))}, db.QueryNormal)
	if err != nil {
		return nil, "", err
	}
	return k.importRow(row, certobj.KindRevocationRequest)
}

// importRow imports the payload in column 0, returning the certID in
// column 1 even when the payload cannot be decoded so that callers can
// still remove the row.
func (k *Keyset) importRow(row db.Row, kind certobj.Kind) (certobj.Object, string, error) {
	certID := row.Text(1)
	data, err := k.decode(row, 0)
	if err != nil {
		return nil, certID, err
	}
	obj, err := k.objects.Import(data, kind)
	if err != nil {
		return nil, certID, err
	}
	return obj, certID, nil
}

// FindStaleRequest returns the certID of the first certificate request
// submitted before cutoff.
func (k *Keyset) FindStaleRequest(ctx context.Context, cutoff time.Time) (string, error) {
	row, err := k.conn.Query(ctx, `SELECT certRequests.certID FROM certRequests
		JOIN certLog ON certLog.certID = certRequests.certID
		WHERE certRequests.type <> ? AND certLog.actionTime < ?
		ORDER BY certRequests.certID LIMIT 1`,
		db.Params{db.Int(int(models.RequestTypeRevocation)), db.Time(cutoff)}, db.QueryNormal)
	if err != nil {
		return "", err
	}
	return row.Text(0), nil
}

// PendingRevocationFor reports whether a revocation request targeting the
// certificate is already waiting.
func (k *Keyset) PendingRevocationFor(ctx context.Context, certID string) (bool, error) {
	return k.exists(ctx, `SELECT certLog.certID FROM certLog
		JOIN certRequests ON certRequests.certID = certLog.certID
		WHERE certLog.action = ? AND certLog.subjCertID = ?`,
		db.Params{db.Int(int(models.ActionRequestRevocation)), db.String(certID)})
}

// PKIUserUsed reports whether a PKI user has already authorised a
// certificate request.
func (k *Keyset) PKIUserUsed(ctx context.Context, pkiUserCertID string) (bool, error) {
	return k.exists(ctx, `SELECT certID FROM certLog WHERE action = ? AND reqCertID = ?`,
		db.Params{db.Int(int(models.ActionRequestCert)), db.String(pkiUserCertID)})
}

func (k *Keyset) exists(ctx context.Context, sql string, params db.Params) (bool, error) {
	if err := k.requireCAStore("log lookups"); err != nil {
		return false, err
	}
	_, err := k.conn.Query(ctx, sql, params, db.QueryCheck)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StreamCRLEntries passes the stored revocation entries issued under
// nameID to fn, at most limit of them. fn must not use the keyset.
func (k *Keyset) StreamCRLEntries(ctx context.Context, nameID string, limit int, fn func(data []byte) error) error {
	if limit <= 0 {
		limit = k.opts.MaxIterations
	}
	mode := db.QueryStart
	for i := 0; ; i++ {
		row, err := k.conn.Query(ctx, `SELECT certData FROM CRLs WHERE nameID = ?`,
			db.Params{db.String(nameID)}, mode)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read revocation entries")
		}
		mode = db.QueryContinue

		if i >= limit {
			k.conn.Query(ctx, "", nil, db.QueryCancel)
			return errors.Wrapf(models.ErrIterationLimit, "more than %d revocation entries", limit)
		}

		data, err := k.decode(row, 0)
		if err == nil {
			err = fn(data)
		} else {
			err = fn(nil)
		}
		if err != nil {
			k.conn.Query(ctx, "", nil, db.QueryCancel)
			return err
		}
	}
}
