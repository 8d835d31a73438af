// Package certobj defines the certificate-object capability the store and CA
// engine consume, and an implementation of it on top of crypto/x509.
package certobj

import (
	"crypto"
	"time"
)

// Kind identifies the type of a certificate object.
type Kind int

const (
	KindNone Kind = iota
	KindCertificate
	KindCertChain
	KindCertRequest       // PKCS #10
	KindRequestCert       // CRMF-style certification request
	KindRevocationRequest // request to revoke an issued certificate
	KindCRL
	KindCRLEntry // single revocation entry as held in the CRLs table
	KindPKIUser
)

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindCertChain:
		return "certchain"
	case KindCertRequest:
		return "certrequest"
	case KindRequestCert:
		return "request_cert"
	case KindRevocationRequest:
		return "request_revocation"
	case KindCRL:
		return "crl"
	case KindCRLEntry:
		return "crl_entry"
	case KindPKIUser:
		return "pkiuser"
	}
	return "none"
}

// Attribute names a readable or writable property of an object.
type Attribute int

const (
	AttrNone Attribute = iota

	// Subject DN components and the RFC 822 address
	AttrCountry
	AttrStateOrProvince
	AttrLocality
	AttrOrganization
	AttrOrganizationalUnit
	AttrCommonName
	AttrEmail

	// DER encodings
	AttrSubjectName
	AttrIssuerName
	AttrIssuerAndSerial
	AttrSubjectPublicKeyInfo
	AttrSubjectKeyIdentifier
	AttrSerialNumber

	AttrFingerprintSHA1

	AttrValidFrom
	AttrValidTo

	AttrCA
	AttrKeyUsage
	AttrLegacyCAFlags // Netscape cert-type CA bits

	AttrRevocationReason
	AttrRevocationDate

	AttrPKIUserID

	// AttrCRLEntry adds a stored revocation entry to a CRL.
	AttrCRLEntry

	// Object-valued attributes for SetObject
	AttrCertRequest
	AttrCertificate

	// AttrSigned reports 1 if the object carries a signature.
	AttrSigned
)

// Format selects what Export produces.
type Format int

const (
	// FormatDER is the complete encoded object.
	FormatDER Format = iota
	// FormatTBS is the to-be-signed portion only.
	FormatTBS
	// FormatCRLEntry is the current revocation entry of a CRL in the form
	// held in the CRLs table.
	FormatCRLEntry
	// FormatPEM is FormatDER in PEM armour.
	FormatPEM
)

// Object is a certificate object handle. Handles are not safe for
// concurrent use and must be released with Destroy.
type Object interface {
	Kind() Kind

	Bytes(attr Attribute) ([]byte, error)
	Text(attr Attribute) (string, error)
	Time(attr Attribute) (time.Time, error)
	Int(attr Attribute) (int, error)

	SetBytes(attr Attribute, value []byte) error
	SetText(attr Attribute, value string) error
	SetTime(attr Attribute, value time.Time) error
	SetInt(attr Attribute, value int) error
	SetObject(attr Attribute, value Object) error
	Delete(attr Attribute) error

	Export(format Format) ([]byte, error)

	// Sign signs the object with key. issuer is the signing CA's
	// certificate, nil for self-signed or self-authenticating objects.
	Sign(key crypto.Signer, issuer Object) error
	// Verify checks the object's signature against issuer, or its own key
	// when issuer is nil.
	Verify(issuer Object) error

	Destroy()
}

// Container is an object that holds several sub-items, such as a chain or a
// multi-entry CRL.
type Container interface {
	Object
	Items() []Object
}

// Factory creates and imports certificate objects.
type Factory interface {
	Create(kind Kind) (Object, error)
	Import(der []byte, kind Kind) (Object, error)
}
