package certobj

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// certRequest is a PKCS #10 request or a CRMF-style request. The latter may
// arrive unsigned, as a bare CertificationRequestInfo.
type certRequest struct {
	unsupported

	csr *x509.CertificateRequest // nil for unsigned requests
	raw []byte

	subject pkix.Name
	emails  []string
	spki    []byte
	pub     any
	exts    requestExtensions
}

func importCertRequest(der []byte, kind Kind) (*certRequest, error) {
	r := &certRequest{unsupported: unsupported{kind: kind}, raw: der}

	csr, err := x509.ParseCertificateRequest(der)
	if err == nil {
		r.csr = csr
		r.subject = csr.Subject
		r.emails = csr.EmailAddresses
		r.spki = csr.RawSubjectPublicKeyInfo
		r.pub = csr.PublicKey
		if r.exts, err = parseRequestExtensions(csr.Extensions); err != nil {
			return nil, err
		}
		return r, nil
	}
	if kind == KindCertRequest {
		return nil, badData("failed to parse certificate request: %v", err)
	}

	info, infoErr := parseCertificationRequestInfo(der)
	if infoErr != nil {
		return nil, infoErr
	}
	if r.subject, err = parseName(info.rawSubject); err != nil {
		return nil, err
	}
	if r.pub, err = x509.ParsePKIXPublicKey(info.rawSPKI); err != nil {
		return nil, badData("failed to parse request public key: %v", err)
	}
	r.spki = info.rawSPKI
	if r.exts, err = parseRequestExtensions(info.extensions); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certRequest) encoding() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	if r.kind != KindRequestCert {
		return nil, errors.Wrap(models.ErrNotFound, "certificate request is not signed")
	}
	rawSubject, err := marshalName(r.subject)
	if err != nil {
		return nil, err
	}
	if len(r.spki) == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "request has no public key")
	}
	exts, err := r.exts.marshal()
	if err != nil {
		return nil, err
	}
	info := &certificationRequestInfo{rawSubject: rawSubject, rawSPKI: r.spki, extensions: exts}
	return info.marshal()
}

func (r *certRequest) Bytes(attr Attribute) ([]byte, error) {
	switch attr {
	case AttrSubjectName:
		if r.csr != nil {
			return r.csr.RawSubject, nil
		}
		return marshalName(r.subject)
	case AttrSubjectPublicKeyInfo:
		if len(r.spki) == 0 {
			return nil, notFound(attr, r.kind)
		}
		return r.spki, nil
	case AttrSubjectKeyIdentifier:
		return nil, notFound(attr, r.kind)
	case AttrFingerprintSHA1:
		der, err := r.encoding()
		if err != nil {
			return nil, err
		}
		return fingerprint(der), nil
	}
	return r.unsupported.Bytes(attr)
}

func (r *certRequest) Text(attr Attribute) (string, error) {
	if isDNAttribute(attr) {
		value, ok := dnText(r.subject, attr)
		if !ok {
			return "", notFound(attr, r.kind)
		}
		return value, nil
	}
	if attr == AttrEmail {
		if len(r.emails) == 0 {
			return "", notFound(attr, r.kind)
		}
		return r.emails[0], nil
	}
	return r.unsupported.Text(attr)
}

func (r *certRequest) Int(attr Attribute) (int, error) {
	switch attr {
	case AttrCA:
		if r.exts.isCA {
			return 1, nil
		}
		return 0, nil
	case AttrKeyUsage:
		return int(r.exts.keyUsage), nil
	case AttrLegacyCAFlags:
		return r.exts.legacyCAFlags, nil
	case AttrSigned:
		if r.csr != nil {
			return 1, nil
		}
		return 0, nil
	}
	return r.unsupported.Int(attr)
}

func (r *certRequest) sealed() error {
	if len(r.raw) > 0 {
		return errors.Wrap(models.ErrPermission, "request is already encoded")
	}
	return nil
}

func (r *certRequest) SetText(attr Attribute, value string) error {
	if err := r.sealed(); err != nil {
		return err
	}
	switch {
	case isDNAttribute(attr):
		setDN(&r.subject, attr, value)
		return nil
	case attr == AttrEmail:
		r.emails = []string{value}
		return nil
	}
	return r.unsupported.SetText(attr, value)
}

func (r *certRequest) SetBytes(attr Attribute, value []byte) error {
	if err := r.sealed(); err != nil {
		return err
	}
	if attr != AttrSubjectPublicKeyInfo {
		return r.unsupported.SetBytes(attr, value)
	}
	pub, err := x509.ParsePKIXPublicKey(value)
	if err != nil {
		return badData("failed to parse public key: %v", err)
	}
	r.pub = pub
	r.spki = value
	return nil
}

func (r *certRequest) SetInt(attr Attribute, value int) error {
	if err := r.sealed(); err != nil {
		return err
	}
	switch attr {
	case AttrCA:
		r.exts.isCA = value != 0
		return nil
	case AttrKeyUsage:
		r.exts.keyUsage = x509.KeyUsage(value)
		return nil
	case AttrLegacyCAFlags:
		r.exts.legacyCAFlags = value
		return nil
	}
	return r.unsupported.SetInt(attr, value)
}

func (r *certRequest) Export(format Format) ([]byte, error) {
	der, err := r.encoding()
	if err != nil {
		return nil, err
	}
	if r.csr == nil && format == FormatTBS {
		return der, nil
	}
	if format == FormatTBS {
		return r.csr.RawTBSCertificateRequest, nil
	}
	return exportDER(der, format, "CERTIFICATE REQUEST")
}

// Sign produces a PKCS #10 request signed by key, which also supplies the
// public key.
func (r *certRequest) Sign(key crypto.Signer, issuer Object) error {
	if err := r.sealed(); err != nil {
		return err
	}
	if issuer != nil {
		return errors.Wrap(models.ErrParam, "certificate requests are self-signed")
	}
	exts, err := r.exts.marshal()
	if err != nil {
		return err
	}
	tmpl := &x509.CertificateRequest{
		Subject:         r.subject,
		EmailAddresses:  r.emails,
		ExtraExtensions: exts,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return errors.Wrapf(models.ErrInvalid, "failed to sign request: %v", err)
	}
	signed, err := importCertRequest(der, r.kind)
	if err != nil {
		return err
	}
	*r = *signed
	return nil
}

func (r *certRequest) Verify(issuer Object) error {
	if r.csr == nil {
		return r.unsupported.Verify(issuer)
	}
	if err := r.csr.CheckSignature(); err != nil {
		return errors.Wrapf(models.ErrInvalid, "request signature check failed: %v", err)
	}
	return nil
}

func (r *certRequest) Destroy() {
	r.csr = nil
	r.raw = nil
	r.pub = nil
}
