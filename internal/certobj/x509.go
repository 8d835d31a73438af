package certobj

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509/pkix"
	encasn1 "encoding/asn1"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// X509Factory creates objects backed by crypto/x509 and the DER codecs in
// this package.
type X509Factory struct{}

// NewX509Factory returns the default object factory
func NewX509Factory() *X509Factory {
	return &X509Factory{}
}

// Create returns a new, unsigned object of the given kind.
func (f *X509Factory) Create(kind Kind) (Object, error) {
	switch kind {
	case KindCertificate:
		return newCertificate(), nil
	case KindCertChain:
		return &chain{unsupported: unsupported{kind: KindCertChain}}, nil
	case KindCertRequest, KindRequestCert:
		return &certRequest{unsupported: unsupported{kind: kind}}, nil
	case KindRevocationRequest:
		return &revocationRequest{unsupported: unsupported{kind: kind}}, nil
	case KindCRL:
		return &crl{unsupported: unsupported{kind: kind}, current: -1}, nil
	case KindPKIUser:
		return newPKIUser()
	}
	return nil, errors.Wrapf(models.ErrParam, "cannot create object of kind %s", kind)
}

// Import decodes der as an object of the given kind.
func (f *X509Factory) Import(der []byte, kind Kind) (Object, error) {
	if len(der) == 0 {
		return nil, badData("empty %s encoding", kind)
	}
	switch kind {
	case KindCertificate:
		return importCertificate(der)
	case KindCertChain:
		return importChain(der)
	case KindCertRequest, KindRequestCert:
		return importCertRequest(der, kind)
	case KindRevocationRequest:
		return importRevocationRequest(der)
	case KindCRL:
		return importCRL(der)
	case KindCRLEntry:
		return importCRLEntry(der)
	case KindPKIUser:
		return importPKIUser(der)
	}
	return nil, errors.Wrapf(models.ErrParam, "cannot import object of kind %s", kind)
}

// unsupported supplies the failing default for every operation; concrete
// objects override what they support.
type unsupported struct {
	kind Kind
}

func (u unsupported) Kind() Kind { return u.kind }

func (u unsupported) attrErr(attr Attribute) error {
	return errors.Wrapf(models.ErrParam, "attribute %d not supported by %s", attr, u.kind)
}

func (u unsupported) Bytes(attr Attribute) ([]byte, error)      { return nil, u.attrErr(attr) }
func (u unsupported) Text(attr Attribute) (string, error)       { return "", u.attrErr(attr) }
func (u unsupported) Time(attr Attribute) (time.Time, error)    { return time.Time{}, u.attrErr(attr) }
func (u unsupported) Int(attr Attribute) (int, error)           { return 0, u.attrErr(attr) }
func (u unsupported) SetBytes(attr Attribute, _ []byte) error   { return u.attrErr(attr) }
func (u unsupported) SetText(attr Attribute, _ string) error    { return u.attrErr(attr) }
func (u unsupported) SetTime(attr Attribute, _ time.Time) error { return u.attrErr(attr) }
func (u unsupported) SetInt(attr Attribute, _ int) error        { return u.attrErr(attr) }
func (u unsupported) SetObject(attr Attribute, _ Object) error  { return u.attrErr(attr) }
func (u unsupported) Delete(attr Attribute) error               { return u.attrErr(attr) }

func (u unsupported) Export(format Format) ([]byte, error) {
	return nil, errors.Wrapf(models.ErrParam, "%s cannot be exported in format %d", u.kind, format)
}

func (u unsupported) Sign(crypto.Signer, Object) error {
	return errors.Wrapf(models.ErrParam, "%s cannot be signed", u.kind)
}

func (u unsupported) Verify(Object) error {
	return errors.Wrapf(models.ErrInvalid, "%s carries no signature", u.kind)
}

func (u unsupported) Destroy() {}

func notFound(attr Attribute, kind Kind) error {
	return errors.Wrapf(models.ErrNotFound, "attribute %d not present in %s", attr, kind)
}

func fingerprint(der []byte) []byte {
	sum := sha1.Sum(der)
	return sum[:]
}

func exportDER(der []byte, format Format, pemType string) ([]byte, error) {
	switch format {
	case FormatDER:
		return der, nil
	case FormatPEM:
		return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der}), nil
	}
	return nil, errors.Wrapf(models.ErrParam, "unsupported export format %d", format)
}

// dnText returns one component of a DN.
func dnText(name pkix.Name, attr Attribute) (string, bool) {
	var values []string
	switch attr {
	case AttrCountry:
		values = name.Country
	case AttrStateOrProvince:
		values = name.Province
	case AttrLocality:
		values = name.Locality
	case AttrOrganization:
		values = name.Organization
	case AttrOrganizationalUnit:
		values = name.OrganizationalUnit
	case AttrCommonName:
		if name.CommonName == "" {
			return "", false
		}
		return name.CommonName, true
	default:
		return "", false
	}
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func isDNAttribute(attr Attribute) bool {
	return attr >= AttrCountry && attr <= AttrCommonName
}

func setDN(name *pkix.Name, attr Attribute, value string) {
	var values []string
	if value != "" {
		values = []string{value}
	}
	switch attr {
	case AttrCountry:
		name.Country = values
	case AttrStateOrProvince:
		name.Province = values
	case AttrLocality:
		name.Locality = values
	case AttrOrganization:
		name.Organization = values
	case AttrOrganizationalUnit:
		name.OrganizationalUnit = values
	case AttrCommonName:
		name.CommonName = value
	}
	name.Names = nil
	name.ExtraNames = nil
}

func parseName(raw []byte) (pkix.Name, error) {
	var rdns pkix.RDNSequence
	var name pkix.Name
	rest, err := encasn1.Unmarshal(raw, &rdns)
	if err != nil || len(rest) > 0 {
		return name, badData("malformed distinguished name")
	}
	name.FillFromRDNSequence(&rdns)
	return name, nil
}

func marshalName(name pkix.Name) ([]byte, error) {
	der, err := encasn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, errors.Wrap(models.ErrBadData, err.Error())
	}
	return der, nil
}
