package repository

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// AddMode selects the state a certificate is written in.
type AddMode int

const (
	AddNormal AddMode = iota
	// AddPartial writes the first half of a multi-step issue.
	AddPartial
	// AddPartialRenewal writes a replacement for an existing certificate.
	AddPartialRenewal
)

func (m AddMode) state() models.RowState {
	switch m {
	case AddPartial:
		return models.StatePendingIssue
	case AddPartialRenewal:
		return models.StatePendingRenewal
	}
	return models.StateVisible
}

// Begin opens a write transaction. Writes made until Commit or Abort are
// applied together.
func (k *Keyset) Begin(ctx context.Context) error {
	return k.conn.Update(ctx, "", nil, db.UpdateBegin)
}

// exec runs a write inside the open transaction, or on its own.
func (k *Keyset) exec(ctx context.Context, sql string, params db.Params) error {
	mode := db.UpdateNormal
	if k.conn.InTransaction() {
		mode = db.UpdateContinue
	}
	return k.conn.Update(ctx, sql, params, mode)
}

var dnAttributes = []certobj.Attribute{
	certobj.AttrCountry,
	certobj.AttrStateOrProvince,
	certobj.AttrLocality,
	certobj.AttrOrganization,
	certobj.AttrOrganizationalUnit,
	certobj.AttrCommonName,
}

// dnParams returns the C, SP, L, O, OU and CN column values of obj,
// truncated to their column widths. Absent components are NULL.
func dnParams(obj certobj.Object) db.Params {
	params := make(db.Params, 0, len(dnAttributes))
	for _, attr := range dnAttributes {
		width := db.TextWidth
		if attr == certobj.AttrCountry {
			width = db.CountryWidth
		}
		value, err := obj.Text(attr)
		if err != nil {
			value = ""
		}
		params = append(params, db.OptString(truncate(value, width)))
	}
	return params
}

func emailParam(obj certobj.Object) db.Param {
	email, err := obj.Text(certobj.AttrEmail)
	if err != nil {
		return db.Null()
	}
	return db.OptString(strings.ToLower(truncate(email, db.TextWidth)))
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	return string([]rune(s)[:width])
}

func deriveAll(obj certobj.Object, types ...keyid.IDType) ([]string, error) {
	ids := make([]string, len(types))
	for i, t := range types {
		id, err := keyid.Derive(obj, t)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to derive %s", t)
		}
		ids[i] = id
	}
	return ids, nil
}

// AddCert writes a signed certificate.
func (k *Keyset) AddCert(ctx context.Context, cert certobj.Object, mode AddMode) error {
	if cert.Kind() != certobj.KindCertificate {
		return errors.Wrapf(models.ErrParam, "cannot store %s as a certificate", cert.Kind())
	}
	if signed, _ := cert.Int(certobj.AttrSigned); signed == 0 {
		return errors.Wrap(models.ErrInvalid, "certificate is not signed")
	}
	if mode != AddNormal && !k.opts.CAStore {
		return k.requireCAStore("partial certificates")
	}

	ids, err := deriveAll(cert, keyid.IDNameID, keyid.IDIssuerID, keyid.IDKeyID, keyid.IDCertID)
	if err != nil {
		return err
	}
	validTo, err := cert.Time(certobj.AttrValidTo)
	if err != nil {
		return err
	}
	data, err := keyid.ExtractCertData(cert, certobj.FormatDER)
	if err != nil {
		return err
	}

	params := append(dnParams(cert),
		emailParam(cert),
		db.Time(validTo),
		db.String(ids[0]),
		db.String(ids[1]),
		db.String(ids[2]),
		db.String(ids[3]),
		db.Int(int(mode.state())),
		db.Blob(data),
	)
	err = k.exec(ctx, `INSERT INTO certificates
		(C, SP, L, O, OU, CN, email, validTo, nameID, issuerID, keyID, certID, state, certData)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, params)
	if err != nil {
		return errors.Wrap(err, "failed to add certificate")
	}
	k.log.WithField("cert_id", ids[3]).WithField("state", mode.state()).Debug("certificate added")
	return nil
}

// AddRequest writes a certificate or revocation request.
func (k *Keyset) AddRequest(ctx context.Context, req certobj.Object) error {
	if err := k.requireCAStore("AddRequest"); err != nil {
		return err
	}
	reqType, err := RequestType(req.Kind())
	if err != nil {
		return err
	}
	certID, err := keyid.Derive(req, keyid.IDCertID)
	if err != nil {
		return err
	}
	data, err := keyid.ExtractCertData(req, certobj.FormatDER)
	if err != nil {
		return err
	}

	params := append(db.Params{db.Int(int(reqType))}, dnParams(req)...)
	params = append(params, emailParam(req), db.String(certID), db.Blob(data))
	err = k.exec(ctx, `INSERT INTO certRequests
		(type, C, SP, L, O, OU, CN, email, certID, certData)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, params)
	if err != nil {
		return errors.Wrap(err, "failed to add request")
	}
	return nil
}

// AddPKIUser writes a PKI user.
func (k *Keyset) AddPKIUser(ctx context.Context, user certobj.Object) error {
	if err := k.requireCAStore("AddPKIUser"); err != nil {
		return err
	}
	if user.Kind() != certobj.KindPKIUser {
		return errors.Wrapf(models.ErrParam, "cannot store %s as a PKI user", user.Kind())
	}
	ids, err := deriveAll(user, keyid.IDNameID, keyid.IDKeyID, keyid.IDCertID)
	if err != nil {
		return err
	}
	data, err := keyid.ExtractCertData(user, certobj.FormatDER)
	if err != nil {
		return err
	}

	params := append(dnParams(user), db.String(ids[0]), db.String(ids[1]), db.String(ids[2]), db.Blob(data))
	err = k.exec(ctx, `INSERT INTO pkiUsers
		(C, SP, L, O, OU, CN, nameID, keyID, certID, certData)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, params)
	if err != nil {
		return errors.Wrap(err, "failed to add PKI user")
	}
	return nil
}

// AddCRL writes the entry most recently added to crl. In a CA store the row
// is keyed by the revoked certificate's certID, and the certificate's expiry
// date is the entry's, after which Cleanup removes it.
func (k *Keyset) AddCRL(ctx context.Context, crl certobj.Object, revoked certobj.Object) error {
	data, err := keyid.ExtractCertData(crl, certobj.FormatCRLEntry)
	if err != nil {
		return err
	}
	entry, err := k.objects.Import(data, certobj.KindCRLEntry)
	if err != nil {
		return err
	}
	defer entry.Destroy()

	var (
		expiry time.Time
		certID string
	)
	if revoked != nil {
		if expiry, err = revoked.Time(certobj.AttrValidTo); err != nil {
			return err
		}
		if certID, err = keyid.Derive(revoked, keyid.IDCertID); err != nil {
			return err
		}
	} else if k.opts.CAStore {
		return errors.Wrap(models.ErrParam, "a CA store revocation entry needs the revoked certificate")
	}
	return k.addCRLEntry(ctx, entry, expiry, certID)
}

func (k *Keyset) addCRLEntry(ctx context.Context, entry certobj.Object, expiry time.Time, certID string) error {
	data, err := keyid.ExtractCertData(entry, certobj.FormatCRLEntry)
	if err != nil {
		return err
	}
	issuerID, err := keyid.Derive(entry, keyid.IDIssuerID)
	if err != nil {
		return err
	}

	if !k.opts.CAStore {
		err = k.exec(ctx, `INSERT INTO CRLs (issuerID, certData) VALUES (?, ?)`,
			db.Params{db.String(issuerID), db.Blob(data)})
		return errors.Wrap(err, "failed to add revocation entry")
	}

	issuer, err := entry.Bytes(certobj.AttrIssuerName)
	if err != nil {
		return err
	}
	nameID, err := keyid.MakeKeyID(keyid.IDNameID, issuer)
	if err != nil {
		return err
	}
	err = k.exec(ctx, `INSERT INTO CRLs (expiryDate, nameID, issuerID, certID, certData) VALUES (?, ?, ?, ?, ?)`,
		db.Params{db.OptTime(expiry), db.String(nameID), db.String(issuerID), db.String(certID), db.Blob(data)})
	return errors.Wrap(err, "failed to add revocation entry")
}

// CompleteCert makes a pending certificate visible.
func (k *Keyset) CompleteCert(ctx context.Context, certID string, from models.RowState) error {
	if from == models.StateVisible {
		return errors.Wrap(models.ErrParam, "certificate is already visible")
	}
	err := k.exec(ctx, `UPDATE certificates SET state = ? WHERE certID = ? AND state = ?`,
		db.Params{db.Int(int(models.StateVisible)), db.String(certID), db.Int(int(from))})
	return errors.Wrap(err, "failed to complete certificate")
}

// DeleteCert removes a visible certificate.
func (k *Keyset) DeleteCert(ctx context.Context, certID string) error {
	err := k.exec(ctx, `DELETE FROM certificates WHERE certID = ? AND state = ?`,
		db.Params{db.String(certID), db.Int(int(models.StateVisible))})
	return errors.Wrap(err, "failed to delete certificate")
}

// DeletePartialCert removes a certificate left in a pending state.
func (k *Keyset) DeletePartialCert(ctx context.Context, certID string) error {
	err := k.exec(ctx, `DELETE FROM certificates WHERE certID = ? AND state <> ?`,
		db.Params{db.String(certID), db.Int(int(models.StateVisible))})
	return errors.Wrap(err, "failed to delete partial certificate")
}

// DeleteRequest removes a request.
func (k *Keyset) DeleteRequest(ctx context.Context, certID string) error {
	if err := k.requireCAStore("DeleteRequest"); err != nil {
		return err
	}
	err := k.exec(ctx, `DELETE FROM certRequests WHERE certID = ?`, db.Params{db.String(certID)})
	return errors.Wrap(err, "failed to delete request")
}

// DeletePKIUser removes a PKI user.
func (k *Keyset) DeletePKIUser(ctx context.Context, certID string) error {
	if err := k.requireCAStore("DeletePKIUser"); err != nil {
		return err
	}
	err := k.exec(ctx, `DELETE FROM pkiUsers WHERE certID = ?`, db.Params{db.String(certID)})
	return errors.Wrap(err, "failed to delete PKI user")
}

// The bulk deletes below run outside any transaction. Cleanup falls back
// to them when it cannot make progress one row at a time.

// DeleteExpiredCerts removes every visible certificate that expired before
// now.
func (k *Keyset) DeleteExpiredCerts(ctx context.Context, now time.Time) (int64, error) {
	return k.conn.UpdateCount(ctx, `DELETE FROM certificates WHERE state = ? AND validTo < ?`,
		db.Params{db.Int(int(models.StateVisible)), db.Time(now)})
}

// DeleteExpiredCRLs removes revocation entries for certificates that
// expired before now.
func (k *Keyset) DeleteExpiredCRLs(ctx context.Context, now time.Time) (int64, error) {
	if err := k.requireCAStore("DeleteExpiredCRLs"); err != nil {
		return 0, err
	}
	return k.conn.UpdateCount(ctx, `DELETE FROM CRLs WHERE expiryDate < ?`, db.Params{db.Time(now)})
}

// DeletePartialCerts removes every certificate left in the given pending
// state.
func (k *Keyset) DeletePartialCerts(ctx context.Context, state models.RowState) (int64, error) {
	if state == models.StateVisible {
		return 0, errors.Wrap(models.ErrParam, "refusing to bulk delete visible certificates")
	}
	return k.conn.UpdateCount(ctx, `DELETE FROM certificates WHERE state = ?`,
		db.Params{db.Int(int(state))})
}

// DeleteStaleRequests removes certificate requests submitted before cutoff.
func (k *Keyset) DeleteStaleRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := k.requireCAStore("DeleteStaleRequests"); err != nil {
		return 0, err
	}
	return k.conn.UpdateCount(ctx, `DELETE FROM certRequests WHERE type <> ? AND certID IN
		(SELECT certID FROM certLog WHERE actionTime < ?)`,
		db.Params{db.Int(int(models.RequestTypeRevocation)), db.Time(cutoff)})
}

// DeleteRevocationRequests removes every pending revocation request.
func (k *Keyset) DeleteRevocationRequests(ctx context.Context) (int64, error) {
	if err := k.requireCAStore("DeleteRevocationRequests"); err != nil {
		return 0, err
	}
	return k.conn.UpdateCount(ctx, `DELETE FROM certRequests WHERE type = ?`,
		db.Params{db.Int(int(models.RequestTypeRevocation))})
}

// SetItem stores an object through the public interface. Certificate
// chains and CRLs are stored one member at a time; members already
// present are skipped, but at least one must be new. A CA store only
// accepts PKI users and requests here, everything else goes through the CA
// engine.
func (k *Keyset) SetItem(ctx context.Context, obj certobj.Object) error {
	if k.opts.CAStore {
		switch obj.Kind() {
		case certobj.KindPKIUser:
			return k.AddPKIUser(ctx, obj)
		case certobj.KindCertRequest, certobj.KindRequestCert, certobj.KindRevocationRequest:
			return k.AddRequest(ctx, obj)
		}
		return errors.Wrapf(models.ErrPermission, "%s objects in a CA store are managed by the CA", obj.Kind())
	}

	switch obj.Kind() {
	case certobj.KindCertificate:
		return k.AddCert(ctx, obj, AddNormal)

	case certobj.KindCertChain, certobj.KindCRL:
		container, ok := obj.(certobj.Container)
		if !ok {
			return errors.Wrapf(models.ErrInternal, "%s has no members", obj.Kind())
		}
		return k.setMembers(ctx, container.Items())
	}
	return errors.Wrapf(models.ErrParam, "cannot store %s objects", obj.Kind())
}

func (k *Keyset) setMembers(ctx context.Context, items []certobj.Object) error {
	if len(items) == 0 {
		return errors.Wrap(models.ErrParam, "nothing to store")
	}
	added := 0
	for _, item := range items {
		var err error
		if item.Kind() == certobj.KindCRLEntry {
			err = k.addCRLEntry(ctx, item, time.Time{}, "")
		} else {
			err = k.AddCert(ctx, item, AddNormal)
		}
		switch {
		case err == nil:
			added++
		case errors.Is(err, models.ErrDuplicate):
			k.log.WithError(err).Debug("member already present")
		default:
			return err
		}
	}
	if added == 0 {
		return errors.Wrap(models.ErrDuplicate, "every member is already present")
	}
	return nil
}

// DeleteItem removes the object matching an identifier. Certificates and
// CRLs in a CA store can only be removed by the CA engine; requests only
// exist in a CA store.
func (k *Keyset) DeleteItem(ctx context.Context, kind certobj.Kind, idType keyid.IDType, id string) error {
	switch kind {
	case certobj.KindCertificate, certobj.KindCRL, certobj.KindCRLEntry:
		if k.opts.CAStore {
			return errors.Wrapf(models.ErrPermission, "%s objects in a CA store are managed by the CA", kind)
		}
	case certobj.KindPKIUser, certobj.KindCertRequest, certobj.KindRequestCert, certobj.KindRevocationRequest:
	default:
		return errors.Wrapf(models.ErrParam, "cannot delete %s objects", kind)
	}

	if kind == certobj.KindCRL {
		kind = certobj.KindCRLEntry
	}
	obj, err := k.GetItem(ctx, kind, idType, id, UsageAny)
	if err != nil {
		return err
	}
	defer obj.Destroy()
	if obj.Kind() != kind {
		// requests of every type share a table
		return errors.Wrapf(models.ErrNotFound, "%s is a %s", id, obj.Kind())
	}

	if kind == certobj.KindCRLEntry {
		// entries outside a CA store are keyed by issuerID alone
		issuerID, err := keyid.Derive(obj, keyid.IDIssuerID)
		if err != nil {
			return err
		}
		err = k.exec(ctx, `DELETE FROM CRLs WHERE issuerID = ?`, db.Params{db.String(issuerID)})
		return errors.Wrap(err, "failed to delete revocation entry")
	}

	certID, err := keyid.Derive(obj, keyid.IDCertID)
	if err != nil {
		return err
	}
	switch kind {
	case certobj.KindPKIUser:
		return k.DeletePKIUser(ctx, certID)
	case certobj.KindCertificate:
		return k.DeleteCert(ctx, certID)
	}
	return k.DeleteRequest(ctx, certID)
}
