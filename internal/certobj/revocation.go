package certobj

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// DefaultCRLUpdateInterval is the nextUpdate offset of a signed CRL
const DefaultCRLUpdateInterval = 7 * 24 * time.Hour

type revocationRequest struct {
	unsupported
	data revocationRequestData
}

func importRevocationRequest(der []byte) (*revocationRequest, error) {
	data, err := parseRevocationRequest(der)
	if err != nil {
		return nil, err
	}
	return &revocationRequest{unsupported: unsupported{kind: KindRevocationRequest}, data: *data}, nil
}

func (r *revocationRequest) Bytes(attr Attribute) ([]byte, error) {
	switch attr {
	case AttrIssuerName:
		if len(r.data.rawIssuer) == 0 {
			return nil, notFound(attr, r.kind)
		}
		return r.data.rawIssuer, nil
	case AttrSerialNumber:
		if r.data.serial == nil {
			return nil, notFound(attr, r.kind)
		}
		return r.data.serial.Bytes(), nil
	case AttrIssuerAndSerial:
		return marshalIssuerAndSerial(r.data.rawIssuer, r.data.serial)
	case AttrFingerprintSHA1:
		der, err := r.data.marshal()
		if err != nil {
			return nil, err
		}
		return fingerprint(der), nil
	}
	return r.unsupported.Bytes(attr)
}

func (r *revocationRequest) Int(attr Attribute) (int, error) {
	switch attr {
	case AttrRevocationReason:
		return r.data.reason, nil
	case AttrSigned:
		return 0, nil
	}
	return r.unsupported.Int(attr)
}

func (r *revocationRequest) SetInt(attr Attribute, value int) error {
	if attr == AttrRevocationReason {
		r.data.reason = value
		return nil
	}
	return r.unsupported.SetInt(attr, value)
}

// SetObject with AttrCertificate targets the request at a certificate.
func (r *revocationRequest) SetObject(attr Attribute, value Object) error {
	if attr != AttrCertificate {
		return r.unsupported.SetObject(attr, value)
	}
	cert, ok := X509(value)
	if !ok {
		return errors.Wrap(models.ErrParam, "revocation target must be a signed certificate")
	}
	r.data.rawIssuer = cert.RawIssuer
	r.data.serial = cert.SerialNumber
	return nil
}

func (r *revocationRequest) Export(format Format) ([]byte, error) {
	der, err := r.data.marshal()
	if err != nil {
		return nil, err
	}
	return exportDER(der, format, "REVOCATION REQUEST")
}

// crl is a revocation list being assembled, or a parsed signed one.
// Attribute access refers to the current entry, the one most recently
// added.
type crl struct {
	unsupported

	entries []*crlEntryData
	current int

	thisUpdate time.Time
	nextUpdate time.Time
	number     *big.Int

	list *x509.RevocationList
}

func importCRL(der []byte) (*crl, error) {
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, badData("failed to parse CRL: %v", err)
	}
	c := &crl{
		unsupported: unsupported{kind: KindCRL},
		list:        list,
		thisUpdate:  list.ThisUpdate,
		nextUpdate:  list.NextUpdate,
		number:      list.Number,
	}
	for _, entry := range list.RevokedCertificateEntries {
		c.entries = append(c.entries, &crlEntryData{
			rawIssuer: list.RawIssuer,
			serial:    entry.SerialNumber,
			date:      entry.RevocationTime,
			reason:    entry.ReasonCode,
		})
	}
	c.current = len(c.entries) - 1
	return c, nil
}

func (c *crl) entry(attr Attribute) (*crlEntryData, error) {
	if c.current < 0 || c.current >= len(c.entries) {
		return nil, notFound(attr, c.kind)
	}
	return c.entries[c.current], nil
}

func (c *crl) mutable() error {
	if c.list != nil {
		return errors.Wrap(models.ErrPermission, "CRL is already signed")
	}
	return nil
}

func (c *crl) Bytes(attr Attribute) ([]byte, error) {
	switch attr {
	case AttrFingerprintSHA1:
		if c.list == nil {
			return nil, errors.Wrap(models.ErrNotFound, "CRL is not signed")
		}
		return fingerprint(c.list.Raw), nil
	case AttrIssuerName, AttrSerialNumber, AttrIssuerAndSerial:
		e, err := c.entry(attr)
		if err != nil {
			return nil, err
		}
		return e.bytes(attr)
	}
	return c.unsupported.Bytes(attr)
}

func (c *crl) Time(attr Attribute) (time.Time, error) {
	switch attr {
	case AttrRevocationDate:
		e, err := c.entry(attr)
		if err != nil {
			return time.Time{}, err
		}
		return e.date, nil
	case AttrValidFrom:
		return c.thisUpdate, nil
	case AttrValidTo:
		return c.nextUpdate, nil
	}
	return c.unsupported.Time(attr)
}

func (c *crl) Int(attr Attribute) (int, error) {
	switch attr {
	case AttrRevocationReason:
		e, err := c.entry(attr)
		if err != nil {
			return 0, err
		}
		return e.reason, nil
	case AttrCRLEntry:
		return len(c.entries), nil
	case AttrSigned:
		if c.list != nil {
			return 1, nil
		}
		return 0, nil
	}
	return c.unsupported.Int(attr)
}

// SetObject with AttrCertificate adds an entry revoking the certificate now.
func (c *crl) SetObject(attr Attribute, value Object) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if attr != AttrCertificate {
		return c.unsupported.SetObject(attr, value)
	}
	cert, ok := X509(value)
	if !ok {
		return errors.Wrap(models.ErrParam, "revoked object must be a signed certificate")
	}
	return c.add(&crlEntryData{
		rawIssuer: cert.RawIssuer,
		serial:    cert.SerialNumber,
		date:      time.Now().UTC().Truncate(time.Second),
	})
}

// SetBytes with AttrCRLEntry adds a stored revocation entry.
func (c *crl) SetBytes(attr Attribute, value []byte) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if attr != AttrCRLEntry {
		return c.unsupported.SetBytes(attr, value)
	}
	e, err := parseCRLEntry(value)
	if err != nil {
		return err
	}
	return c.add(e)
}

func (c *crl) add(e *crlEntryData) error {
	if len(c.entries) > 0 && !bytes.Equal(c.entries[0].rawIssuer, e.rawIssuer) {
		return errors.Wrap(models.ErrInvalid, "revocation entry belongs to a different issuer")
	}
	for _, existing := range c.entries {
		if existing.serial.Cmp(e.serial) == 0 {
			return errors.Wrap(models.ErrDuplicate, "certificate already present in CRL")
		}
	}
	c.entries = append(c.entries, e)
	c.current = len(c.entries) - 1
	return nil
}

// SetInt with AttrRevocationReason sets the reason of the current entry.
// ReasonNeverValid is recorded as cessationOfOperation; callers date the
// entry back to the certificate's issue date.
func (c *crl) SetInt(attr Attribute, value int) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if attr != AttrRevocationReason {
		return c.unsupported.SetInt(attr, value)
	}
	e, err := c.entry(attr)
	if err != nil {
		return err
	}
	if value == models.ReasonNeverValid {
		value = models.ReasonCessationOfOperation
	}
	e.reason = value
	return nil
}

func (c *crl) SetTime(attr Attribute, value time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	value = value.UTC().Truncate(time.Second)
	switch attr {
	case AttrRevocationDate:
		e, err := c.entry(attr)
		if err != nil {
			return err
		}
		e.date = value
		return nil
	case AttrValidFrom:
		c.thisUpdate = value
		return nil
	case AttrValidTo:
		c.nextUpdate = value
		return nil
	}
	return c.unsupported.SetTime(attr, value)
}

func (c *crl) Export(format Format) ([]byte, error) {
	if format == FormatCRLEntry {
		e, err := c.entry(AttrCRLEntry)
		if err != nil {
			return nil, err
		}
		return e.marshal()
	}
	if c.list == nil {
		return nil, errors.Wrap(models.ErrNotFound, "CRL is not signed")
	}
	if format == FormatTBS {
		return c.list.RawTBSRevocationList, nil
	}
	return exportDER(c.list.Raw, format, "X509 CRL")
}

func (c *crl) Sign(key crypto.Signer, issuer Object) error {
	if err := c.mutable(); err != nil {
		return err
	}
	ca, ok := X509(issuer)
	if !ok {
		return errors.Wrap(models.ErrParam, "CRL issuer must be a signed certificate")
	}
	for _, e := range c.entries {
		if !bytes.Equal(e.rawIssuer, ca.RawSubject) {
			return errors.Wrap(models.ErrInvalid, "CRL contains an entry from a different issuer")
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	tmpl := &x509.RevocationList{
		ThisUpdate: c.thisUpdate,
		NextUpdate: c.nextUpdate,
		Number:     c.number,
	}
	if tmpl.ThisUpdate.IsZero() {
		tmpl.ThisUpdate = now
	}
	if tmpl.NextUpdate.IsZero() {
		tmpl.NextUpdate = tmpl.ThisUpdate.Add(DefaultCRLUpdateInterval)
	}
	if tmpl.Number == nil {
		tmpl.Number = big.NewInt(now.UnixNano())
	}
	for _, e := range c.entries {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   e.serial,
			RevocationTime: e.date,
			ReasonCode:     e.reason,
		})
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca, key)
	if err != nil {
		return errors.Wrapf(models.ErrInvalid, "failed to sign CRL: %v", err)
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return badData("failed to parse signed CRL: %v", err)
	}
	c.list = list
	c.thisUpdate = list.ThisUpdate
	c.nextUpdate = list.NextUpdate
	c.number = list.Number
	return nil
}

func (c *crl) Verify(issuer Object) error {
	if c.list == nil {
		return errors.Wrap(models.ErrNotFound, "CRL is not signed")
	}
	ca, ok := X509(issuer)
	if !ok {
		return errors.Wrap(models.ErrParam, "CRL issuer must be a signed certificate")
	}
	if err := c.list.CheckSignatureFrom(ca); err != nil {
		return errors.Wrapf(models.ErrInvalid, "CRL signature check failed: %v", err)
	}
	return nil
}

// Items returns each entry as a standalone revocation entry.
func (c *crl) Items() []Object {
	items := make([]Object, 0, len(c.entries))
	for _, e := range c.entries {
		items = append(items, &crlEntry{unsupported: unsupported{kind: KindCRLEntry}, data: *e})
	}
	return items
}

func (c *crl) Destroy() {
	c.entries = nil
	c.list = nil
	c.current = -1
}

// crlEntry is one stored revocation entry.
type crlEntry struct {
	unsupported
	data crlEntryData
}

func importCRLEntry(der []byte) (*crlEntry, error) {
	data, err := parseCRLEntry(der)
	if err != nil {
		return nil, err
	}
	return &crlEntry{unsupported: unsupported{kind: KindCRLEntry}, data: *data}, nil
}

func (e *crlEntryData) bytes(attr Attribute) ([]byte, error) {
	switch attr {
	case AttrIssuerName:
		return e.rawIssuer, nil
	case AttrSerialNumber:
		return e.serial.Bytes(), nil
	case AttrIssuerAndSerial:
		return marshalIssuerAndSerial(e.rawIssuer, e.serial)
	case AttrFingerprintSHA1:
		der, err := e.marshal()
		if err != nil {
			return nil, err
		}
		return fingerprint(der), nil
	}
	return nil, errors.Wrapf(models.ErrParam, "attribute %d not supported by %s", attr, KindCRLEntry)
}

func (e *crlEntry) Bytes(attr Attribute) ([]byte, error) {
	return e.data.bytes(attr)
}

func (e *crlEntry) Time(attr Attribute) (time.Time, error) {
	if attr == AttrRevocationDate {
		return e.data.date, nil
	}
	return e.unsupported.Time(attr)
}

func (e *crlEntry) Int(attr Attribute) (int, error) {
	switch attr {
	case AttrRevocationReason:
		return e.data.reason, nil
	case AttrSigned:
		return 0, nil
	}
	return e.unsupported.Int(attr)
}

func (e *crlEntry) Export(format Format) ([]byte, error) {
	der, err := e.data.marshal()
	if err != nil {
		return nil, err
	}
	if format == FormatCRLEntry {
		return der, nil
	}
	return exportDER(der, format, "X509 CRL ENTRY")
}
