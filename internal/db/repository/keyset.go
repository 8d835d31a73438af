package repository

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// DefaultMaxIterations bounds every row-scanning loop when no limit is
// configured.
const DefaultMaxIterations = 1000

// Options configures a Keyset
type Options struct {
	// CAStore enables the request, PKI user and log tables.
	CAStore bool

	MaxIterations int
	MaxQuerySize  int

	Log *logrus.Entry
}

// Keyset is the read and write path over one store connection. Like the
// connection it wraps, it is not safe for concurrent use.
type Keyset struct {
	conn    *db.Conn
	objects certobj.Factory
	opts    Options
	log     *logrus.Entry

	cursor *cursor
}

// NewKeyset creates a keyset over an open connection
func NewKeyset(conn *db.Conn, objects certobj.Factory, opts Options) *Keyset {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxQuerySize <= 0 {
		opts.MaxQuerySize = db.DefaultMaxQuerySize
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Keyset{
		conn:    conn,
		objects: objects,
		opts:    opts,
		log:     log.WithField("component", "keyset"),
	}
}

// CAStore reports whether the keyset holds the CA tables
func (k *Keyset) CAStore() bool {
	return k.opts.CAStore
}

// Objects returns the factory used to decode stored payloads
func (k *Keyset) Objects() certobj.Factory {
	return k.objects
}

// Abort rolls back any transaction left open by a failed multi-step write.
func (k *Keyset) Abort(ctx context.Context) error {
	return k.conn.Update(ctx, "", nil, db.UpdateAbort)
}

// Commit commits the open transaction.
func (k *Keyset) Commit(ctx context.Context) error {
	return k.conn.Update(ctx, "", nil, db.UpdateCommit)
}

// decode returns the payload held in column i, undoing the text encoding
// used on backends without binary blobs.
func (k *Keyset) decode(row db.Row, i int) ([]byte, error) {
	if row.IsNull(i) {
		return nil, errors.Wrap(models.ErrBadData, "stored object has no payload")
	}
	if k.conn.Features().BinaryBlobs {
		return row.Bytes(i), nil
	}
	data, err := base64.StdEncoding.DecodeString(row.Text(i))
	if err != nil {
		return nil, errors.Wrapf(models.ErrBadData, "failed to decode stored payload: %v", err)
	}
	return data, nil
}

func (k *Keyset) requireCAStore(op string) error {
	if !k.opts.CAStore {
		return errors.Wrapf(models.ErrPermission, "%s requires a CA store", op)
	}
	return nil
}

// table returns the table holding objects of kind.
func (k *Keyset) table(kind certobj.Kind) (string, error) {
	switch kind {
	case certobj.KindCertificate, certobj.KindCertChain:
		return "certificates", nil
	case certobj.KindCRL, certobj.KindCRLEntry:
		return "CRLs", nil
	case certobj.KindCertRequest, certobj.KindRequestCert, certobj.KindRevocationRequest:
		if err := k.requireCAStore("certificate requests"); err != nil {
			return "", err
		}
		return "certRequests", nil
	case certobj.KindPKIUser:
		if err := k.requireCAStore("PKI users"); err != nil {
			return "", err
		}
		return "pkiUsers", nil
	}
	return "", errors.Wrapf(models.ErrParam, "no table holds %s objects", kind)
}

// storedKind is the kind a payload from table is imported as.
func storedKind(table string) certobj.Kind {
	switch table {
	case "CRLs":
		return certobj.KindCRLEntry
	case "pkiUsers":
		return certobj.KindPKIUser
	}
	return certobj.KindCertificate
}

// idColumn returns the column an identifier type is matched against.
func idColumn(table string, idType keyid.IDType) (string, error) {
	var column string
	switch idType {
	case keyid.IDName:
		column = "CN"
	case keyid.IDURI:
		column = "email"
	case keyid.IDNameID:
		column = "nameID"
	case keyid.IDIssuerID:
		column = "issuerID"
	case keyid.IDKeyID:
		column = "keyID"
	case keyid.IDCertID:
		column = "certID"
	}

	valid := false
	switch table {
	case "certificates":
		valid = column != ""
	case "CRLs":
		// certID names the revoked certificate, not the entry, so only
		// issuerID can be checked against a stored entry
		valid = column == "issuerID"
	case "pkiUsers":
		valid = column == "CN" || column == "nameID" || column == "keyID" || column == "certID"
	case "certRequests":
		valid = column == "CN" || column == "email" || column == "certID"
	}
	if !valid {
		return "", errors.Wrapf(models.ErrParam, "cannot look up %s by %s", table, idType)
	}
	return column, nil
}

func requestKind(t models.RequestType) (certobj.Kind, error) {
	switch t {
	case models.RequestTypeCert:
		return certobj.KindCertRequest, nil
	case models.RequestTypeCRMF:
		return certobj.KindRequestCert, nil
	case models.RequestTypeRevocation:
		return certobj.KindRevocationRequest, nil
	}
	return certobj.KindNone, errors.Wrapf(models.ErrBadData, "unknown request type %d", t)
}

// RequestType returns the type tag stored for a request object.
func RequestType(kind certobj.Kind) (models.RequestType, error) {
	switch kind {
	case certobj.KindCertRequest:
		return models.RequestTypeCert, nil
	case certobj.KindRequestCert:
		return models.RequestTypeCRMF, nil
	case certobj.KindRevocationRequest:
		return models.RequestTypeRevocation, nil
	}
	return 0, errors.Wrapf(models.ErrParam, "%s is not a request", kind)
}
