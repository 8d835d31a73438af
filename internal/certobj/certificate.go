package certobj

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// DefaultValidity applies when a certificate is signed without an explicit
// validity period.
const DefaultValidity = 365 * 24 * time.Hour

type certificate struct {
	unsupported

	// cert is set once the certificate is signed or imported; until then
	// tmpl is the working template.
	cert *x509.Certificate
	tmpl x509.Certificate
	spki []byte

	legacyCAFlags int
}

func newCertificate() *certificate {
	return &certificate{unsupported: unsupported{kind: KindCertificate}}
}

func importCertificate(der []byte) (*certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, badData("failed to parse certificate: %v", err)
	}
	return wrapCertificate(cert)
}

func wrapCertificate(cert *x509.Certificate) (*certificate, error) {
	c := newCertificate()
	c.cert = cert
	c.spki = cert.RawSubjectPublicKeyInfo
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidNetscapeCertType) {
			flags, err := bitStringFlags(ext.Value)
			if err != nil {
				return nil, errors.Wrap(err, "netscape cert type")
			}
			c.legacyCAFlags = flags
		}
	}
	return c, nil
}

func (c *certificate) view() *x509.Certificate {
	if c.cert != nil {
		return c.cert
	}
	return &c.tmpl
}

func (c *certificate) signed() error {
	if c.cert == nil {
		return errors.Wrap(models.ErrNotFound, "certificate is not signed")
	}
	return nil
}

func (c *certificate) unsigned() error {
	if c.cert != nil {
		return errors.Wrap(models.ErrPermission, "certificate is already signed")
	}
	return nil
}

func (c *certificate) Bytes(attr Attribute) ([]byte, error) {
	v := c.view()
	switch attr {
	case AttrSubjectName:
		if c.cert != nil {
			return c.cert.RawSubject, nil
		}
		return marshalName(c.tmpl.Subject)
	case AttrIssuerName:
		if err := c.signed(); err != nil {
			return nil, err
		}
		return c.cert.RawIssuer, nil
	case AttrIssuerAndSerial:
		if err := c.signed(); err != nil {
			return nil, err
		}
		return marshalIssuerAndSerial(c.cert.RawIssuer, c.cert.SerialNumber)
	case AttrSubjectPublicKeyInfo:
		if len(c.spki) == 0 {
			return nil, notFound(attr, c.kind)
		}
		return c.spki, nil
	case AttrSubjectKeyIdentifier:
		if len(v.SubjectKeyId) == 0 {
			return nil, notFound(attr, c.kind)
		}
		return v.SubjectKeyId, nil
	case AttrSerialNumber:
		if v.SerialNumber == nil {
			return nil, notFound(attr, c.kind)
		}
		return v.SerialNumber.Bytes(), nil
	case AttrFingerprintSHA1:
		if err := c.signed(); err != nil {
			return nil, err
		}
		return fingerprint(c.cert.Raw), nil
	}
	return c.unsupported.Bytes(attr)
}

func (c *certificate) Text(attr Attribute) (string, error) {
	v := c.view()
	if isDNAttribute(attr) {
		value, ok := dnText(v.Subject, attr)
		if !ok {
			return "", notFound(attr, c.kind)
		}
		return value, nil
	}
	if attr == AttrEmail {
		if len(v.EmailAddresses) == 0 {
			return "", notFound(attr, c.kind)
		}
		return v.EmailAddresses[0], nil
	}
	return c.unsupported.Text(attr)
}

func (c *certificate) Time(attr Attribute) (time.Time, error) {
	v := c.view()
	switch attr {
	case AttrValidFrom:
		if v.NotBefore.IsZero() {
			return time.Time{}, notFound(attr, c.kind)
		}
		return v.NotBefore, nil
	case AttrValidTo:
		if v.NotAfter.IsZero() {
			return time.Time{}, notFound(attr, c.kind)
		}
		return v.NotAfter, nil
	}
	return c.unsupported.Time(attr)
}

func (c *certificate) Int(attr Attribute) (int, error) {
	v := c.view()
	switch attr {
	case AttrCA:
		if v.IsCA {
			return 1, nil
		}
		return 0, nil
	case AttrKeyUsage:
		return int(v.KeyUsage), nil
	case AttrLegacyCAFlags:
		return c.legacyCAFlags, nil
	case AttrSigned:
		if c.cert != nil {
			return 1, nil
		}
		return 0, nil
	}
	return c.unsupported.Int(attr)
}

func (c *certificate) SetText(attr Attribute, value string) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	switch {
	case isDNAttribute(attr):
		setDN(&c.tmpl.Subject, attr, value)
		return nil
	case attr == AttrEmail:
		c.tmpl.EmailAddresses = []string{value}
		return nil
	}
	return c.unsupported.SetText(attr, value)
}

func (c *certificate) SetBytes(attr Attribute, value []byte) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	switch attr {
	case AttrSubjectPublicKeyInfo:
		pub, err := x509.ParsePKIXPublicKey(value)
		if err != nil {
			return badData("failed to parse public key: %v", err)
		}
		c.tmpl.PublicKey = pub
		c.spki = value
		return nil
	case AttrSerialNumber:
		c.tmpl.SerialNumber = new(big.Int).SetBytes(value)
		return nil
	}
	return c.unsupported.SetBytes(attr, value)
}

func (c *certificate) SetTime(attr Attribute, value time.Time) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	switch attr {
	case AttrValidFrom:
		c.tmpl.NotBefore = value.UTC().Truncate(time.Second)
		return nil
	case AttrValidTo:
		c.tmpl.NotAfter = value.UTC().Truncate(time.Second)
		return nil
	}
	return c.unsupported.SetTime(attr, value)
}

func (c *certificate) SetInt(attr Attribute, value int) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	switch attr {
	case AttrCA:
		c.tmpl.IsCA = value != 0
		c.tmpl.BasicConstraintsValid = true
		return nil
	case AttrKeyUsage:
		c.tmpl.KeyUsage = x509.KeyUsage(value)
		return nil
	case AttrLegacyCAFlags:
		c.legacyCAFlags = value
		return nil
	}
	return c.unsupported.SetInt(attr, value)
}

// SetObject with AttrCertRequest copies the subject, public key and
// requested extensions of a certification request into the template.
func (c *certificate) SetObject(attr Attribute, value Object) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	if attr != AttrCertRequest {
		return c.unsupported.SetObject(attr, value)
	}
	req, ok := value.(*certRequest)
	if !ok {
		return errors.Wrapf(models.ErrParam, "expected a certification request, got %s", value.Kind())
	}
	if req.pub == nil {
		return errors.Wrap(models.ErrNotFound, "request has no public key")
	}

	c.tmpl.Subject = req.subject
	c.tmpl.EmailAddresses = append([]string(nil), req.emails...)
	c.tmpl.PublicKey = req.pub
	c.spki = req.spki
	c.tmpl.KeyUsage = req.exts.keyUsage
	c.tmpl.IsCA = req.exts.isCA
	c.tmpl.BasicConstraintsValid = true
	c.legacyCAFlags = req.exts.legacyCAFlags
	return nil
}

func (c *certificate) Delete(attr Attribute) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	switch attr {
	case AttrCA:
		c.tmpl.IsCA = false
		c.tmpl.MaxPathLen = 0
		c.tmpl.MaxPathLenZero = false
		return nil
	case AttrKeyUsage:
		c.tmpl.KeyUsage = 0
		return nil
	case AttrLegacyCAFlags:
		c.legacyCAFlags = 0
		return nil
	case AttrEmail:
		c.tmpl.EmailAddresses = nil
		return nil
	}
	if isDNAttribute(attr) {
		setDN(&c.tmpl.Subject, attr, "")
		return nil
	}
	return c.unsupported.Delete(attr)
}

func (c *certificate) Export(format Format) ([]byte, error) {
	if err := c.signed(); err != nil {
		return nil, err
	}
	if format == FormatTBS {
		return c.cert.RawTBSCertificate, nil
	}
	return exportDER(c.cert.Raw, format, "CERTIFICATE")
}

// Sign issues the certificate. The subject key identifier is always the
// SHA-1 hash of the subject public key bits so that it matches the key
// identifier derived from the originating request.
func (c *certificate) Sign(key crypto.Signer, issuer Object) error {
	if err := c.unsigned(); err != nil {
		return err
	}
	if c.tmpl.PublicKey == nil {
		return errors.Wrap(models.ErrNotFound, "certificate has no public key")
	}

	bits, err := SubjectPublicKeyBits(c.spki)
	if err != nil {
		return err
	}
	ski := sha1.Sum(bits)
	c.tmpl.SubjectKeyId = ski[:]

	if c.tmpl.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
		if err != nil {
			return errors.Wrap(err, "failed to generate serial number")
		}
		c.tmpl.SerialNumber = serial.Add(serial, big.NewInt(1))
	}
	if c.tmpl.NotBefore.IsZero() {
		c.tmpl.NotBefore = time.Now().UTC().Truncate(time.Second)
	}
	if c.tmpl.NotAfter.IsZero() {
		c.tmpl.NotAfter = c.tmpl.NotBefore.Add(DefaultValidity)
	}

	c.tmpl.ExtraExtensions = nil
	if c.legacyCAFlags != 0 {
		value, err := marshalBitStringFlags(c.legacyCAFlags)
		if err != nil {
			return err
		}
		c.tmpl.ExtraExtensions = []pkix.Extension{{Id: oidNetscapeCertType, Value: value}}
	}

	parent := &c.tmpl
	if issuer != nil {
		ic, ok := issuer.(*certificate)
		if !ok || ic.cert == nil {
			return errors.Wrap(models.ErrParam, "issuer must be a signed certificate")
		}
		parent = ic.cert
	}

	der, err := x509.CreateCertificate(rand.Reader, &c.tmpl, parent, c.tmpl.PublicKey, key)
	if err != nil {
		return errors.Wrapf(models.ErrInvalid, "failed to sign certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return badData("failed to parse signed certificate: %v", err)
	}
	c.cert = cert
	c.spki = cert.RawSubjectPublicKeyInfo
	return nil
}

func (c *certificate) Verify(issuer Object) error {
	if err := c.signed(); err != nil {
		return err
	}
	parent := c.cert
	if issuer != nil {
		ic, ok := issuer.(*certificate)
		if !ok || ic.cert == nil {
			return errors.Wrap(models.ErrParam, "issuer must be a signed certificate")
		}
		parent = ic.cert
	}
	if err := c.cert.CheckSignatureFrom(parent); err != nil {
		return errors.Wrapf(models.ErrInvalid, "certificate signature check failed: %v", err)
	}
	return nil
}

func (c *certificate) Destroy() {
	c.cert = nil
	c.tmpl = x509.Certificate{}
	c.spki = nil
}

// X509 returns the parsed certificate behind a signed certificate object.
func X509(obj Object) (*x509.Certificate, bool) {
	c, ok := obj.(*certificate)
	if !ok || c.cert == nil {
		return nil, false
	}
	return c.cert, true
}
