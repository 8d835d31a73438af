package certobj

import (
	"crypto/x509"
	"crypto/x509/pkix"
	encasn1 "encoding/asn1"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/adamscao/castore/internal/models"
)

var (
	oidExtensionKeyUsage         = encasn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionBasicConstraints = encasn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtensionReasonCode       = encasn1.ObjectIdentifier{2, 5, 29, 21}
	oidNetscapeCertType          = encasn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 1}
	oidExtensionRequest          = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 14}
)

// NetscapeCAFlags are the sslCA, smimeCA and objectSigningCA bits of the
// Netscape cert-type extension.
const NetscapeCAFlags = 1<<5 | 1<<6 | 1<<7

func badData(format string, args ...any) error {
	return errors.Wrapf(models.ErrBadData, format, args...)
}

// marshalIssuerAndSerial encodes SEQUENCE { issuer Name, serial INTEGER }.
func marshalIssuerAndSerial(rawIssuer []byte, serial *big.Int) ([]byte, error) {
	if len(rawIssuer) == 0 || serial == nil {
		return nil, errors.Wrap(models.ErrNotFound, "issuer and serial number not set")
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(rawIssuer)
		b.AddASN1BigInt(serial)
	})
	return b.Bytes()
}

// revocationRequest is SEQUENCE { issuer Name, serial INTEGER, reason ENUMERATED OPTIONAL }
type revocationRequestData struct {
	rawIssuer []byte
	serial    *big.Int
	reason    int
}

func (r *revocationRequestData) marshal() ([]byte, error) {
	if len(r.rawIssuer) == 0 || r.serial == nil {
		return nil, errors.Wrap(models.ErrNotFound, "revocation request has no target certificate")
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(r.rawIssuer)
		b.AddASN1BigInt(r.serial)
		if r.reason != models.ReasonUnspecified {
			b.AddASN1Enum(int64(r.reason))
		}
	})
	return b.Bytes()
}

func parseRevocationRequest(der []byte) (*revocationRequestData, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return nil, badData("malformed revocation request")
	}

	r := &revocationRequestData{serial: new(big.Int)}
	var issuer cryptobyte.String
	if !seq.ReadASN1Element(&issuer, asn1.SEQUENCE) || !seq.ReadASN1Integer(r.serial) {
		return nil, badData("malformed revocation request target")
	}
	r.rawIssuer = []byte(issuer)
	if seq.PeekASN1Tag(asn1.ENUM) {
		if !seq.ReadASN1Enum(&r.reason) {
			return nil, badData("malformed revocation reason")
		}
	}
	if !seq.Empty() {
		return nil, badData("trailing data in revocation request")
	}
	return r, nil
}

// pkiUserData is SEQUENCE { subject Name, userID OCTET STRING }
type pkiUserData struct {
	rawSubject []byte
	userID     []byte
}

func (p *pkiUserData) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(p.rawSubject)
		b.AddASN1OctetString(p.userID)
	})
	return b.Bytes()
}

func parsePKIUser(der []byte) (*pkiUserData, error) {
	input := cryptobyte.String(der)
	var seq, subject cryptobyte.String
	p := &pkiUserData{}
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Element(&subject, asn1.SEQUENCE) ||
		!seq.ReadASN1Bytes(&p.userID, asn1.OCTET_STRING) || !seq.Empty() {
		return nil, badData("malformed PKI user")
	}
	p.rawSubject = []byte(subject)
	return p, nil
}

// crlEntryData is the stored form of a revocation entry: the entry itself
// prefixed by the issuer it belongs to, since a bare revokedCertificate does
// not say which CA issued the certificate.
//
//	SEQUENCE {
//	  issuer Name,
//	  SEQUENCE { serial INTEGER, revocationDate Time, crlEntryExtensions OPTIONAL }
//	}
type crlEntryData struct {
	rawIssuer []byte
	serial    *big.Int
	date      time.Time
	reason    int
}

func (e *crlEntryData) marshal() ([]byte, error) {
	if len(e.rawIssuer) == 0 || e.serial == nil {
		return nil, errors.Wrap(models.ErrNotFound, "revocation entry has no certificate")
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(e.rawIssuer)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1BigInt(e.serial)
			addTime(b, e.date)
			if e.reason != models.ReasonUnspecified {
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(oidExtensionReasonCode)
						b.AddASN1(asn1.OCTET_STRING, func(b *cryptobyte.Builder) {
							b.AddASN1Enum(int64(e.reason))
						})
					})
				})
			}
		})
	})
	return b.Bytes()
}

func parseCRLEntry(der []byte) (*crlEntryData, error) {
	input := cryptobyte.String(der)
	var seq, issuer, entry cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Element(&issuer, asn1.SEQUENCE) ||
		!seq.ReadASN1(&entry, asn1.SEQUENCE) || !seq.Empty() {
		return nil, badData("malformed revocation entry")
	}

	e := &crlEntryData{rawIssuer: []byte(issuer), serial: new(big.Int)}
	if !entry.ReadASN1Integer(e.serial) {
		return nil, badData("malformed revocation entry serial number")
	}
	date, err := readTime(&entry)
	if err != nil {
		return nil, err
	}
	e.date = date

	if entry.PeekASN1Tag(asn1.SEQUENCE) {
		var exts cryptobyte.String
		if !entry.ReadASN1(&exts, asn1.SEQUENCE) {
			return nil, badData("malformed revocation entry extensions")
		}
		for !exts.Empty() {
			ext, err := readExtension(&exts)
			if err != nil {
				return nil, err
			}
			if ext.Id.Equal(oidExtensionReasonCode) {
				value := cryptobyte.String(ext.Value)
				if !value.ReadASN1Enum(&e.reason) {
					return nil, badData("malformed revocation reason")
				}
			}
		}
	}
	if !entry.Empty() {
		return nil, badData("trailing data in revocation entry")
	}
	return e, nil
}

func addTime(b *cryptobyte.Builder, t time.Time) {
	t = t.UTC()
	if t.Year() >= 1950 && t.Year() < 2050 {
		b.AddASN1UTCTime(t)
		return
	}
	b.AddASN1GeneralizedTime(t)
}

func readTime(s *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case s.PeekASN1Tag(asn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, badData("malformed UTCTime")
		}
	case s.PeekASN1Tag(asn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, badData("malformed GeneralizedTime")
		}
	default:
		return t, badData("missing time value")
	}
	return t, nil
}

// readExtension reads Extension ::= SEQUENCE { extnID, critical BOOLEAN DEFAULT FALSE, extnValue OCTET STRING }
func readExtension(s *cryptobyte.String) (pkix.Extension, error) {
	var ext pkix.Extension
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, asn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&ext.Id) {
		return ext, badData("malformed extension")
	}
	if seq.PeekASN1Tag(asn1.BOOLEAN) {
		if !seq.ReadASN1Boolean(&ext.Critical) {
			return ext, badData("malformed extension criticality")
		}
	}
	if !seq.ReadASN1Bytes(&ext.Value, asn1.OCTET_STRING) || !seq.Empty() {
		return ext, badData("malformed extension value")
	}
	return ext, nil
}

// bitStringFlags maps a named BIT STRING onto an integer, bit i of the
// string becoming 1<<i.
func bitStringFlags(value []byte) (int, error) {
	input := cryptobyte.String(value)
	var bs encasn1.BitString
	if !input.ReadASN1BitString(&bs) || !input.Empty() {
		return 0, badData("malformed bit string")
	}
	flags := 0
	for i := 0; i < bs.BitLength && i < 16; i++ {
		if bs.At(i) != 0 {
			flags |= 1 << i
		}
	}
	return flags, nil
}

// marshalBitStringFlags is the inverse of bitStringFlags, producing a DER
// named bit list with trailing zero bits removed.
func marshalBitStringFlags(flags int) ([]byte, error) {
	var data [2]byte
	bitLength := 0
	for i := 0; i < 16; i++ {
		if flags&(1<<i) != 0 {
			data[i/8] |= 0x80 >> uint(i%8)
			bitLength = i + 1
		}
	}
	n := (bitLength + 7) / 8
	unused := n*8 - bitLength

	var b cryptobyte.Builder
	b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(unused))
		b.AddBytes(data[:n])
	})
	return b.Bytes()
}

func parseBasicConstraints(value []byte) (bool, error) {
	input := cryptobyte.String(value)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) {
		return false, badData("malformed basic constraints")
	}
	isCA := false
	if seq.PeekASN1Tag(asn1.BOOLEAN) {
		if !seq.ReadASN1Boolean(&isCA) {
			return false, badData("malformed basic constraints")
		}
	}
	return isCA, nil
}

// requestExtensions holds the extensions of a certification request that
// the CA acts on.
type requestExtensions struct {
	keyUsage      x509.KeyUsage
	isCA          bool
	legacyCAFlags int
}

func parseRequestExtensions(exts []pkix.Extension) (requestExtensions, error) {
	var re requestExtensions
	for _, ext := range exts {
		switch {
		case ext.Id.Equal(oidExtensionKeyUsage):
			flags, err := bitStringFlags(ext.Value)
			if err != nil {
				return re, errors.Wrap(err, "key usage")
			}
			re.keyUsage = x509.KeyUsage(flags)
		case ext.Id.Equal(oidExtensionBasicConstraints):
			isCA, err := parseBasicConstraints(ext.Value)
			if err != nil {
				return re, err
			}
			re.isCA = isCA
		case ext.Id.Equal(oidNetscapeCertType):
			flags, err := bitStringFlags(ext.Value)
			if err != nil {
				return re, errors.Wrap(err, "netscape cert type")
			}
			re.legacyCAFlags = flags
		}
	}
	return re, nil
}

func (re requestExtensions) marshal() ([]pkix.Extension, error) {
	var exts []pkix.Extension
	if re.keyUsage != 0 {
		value, err := marshalBitStringFlags(int(re.keyUsage))
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidExtensionKeyUsage, Critical: true, Value: value})
	}
	if re.isCA {
		var b cryptobyte.Builder
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Boolean(true)
		})
		value, err := b.Bytes()
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidExtensionBasicConstraints, Critical: true, Value: value})
	}
	if re.legacyCAFlags != 0 {
		value, err := marshalBitStringFlags(re.legacyCAFlags)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidNetscapeCertType, Value: value})
	}
	return exts, nil
}

// certificationRequestInfo is the unsigned body of a PKCS #10 request,
// accepted on its own for encryption-only CRMF-style requests.
type certificationRequestInfo struct {
	rawSubject []byte
	rawSPKI    []byte
	extensions []pkix.Extension
}

func (info *certificationRequestInfo) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(info.rawSubject)
		b.AddBytes(info.rawSPKI)
		b.AddASN1(asn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			if len(info.extensions) == 0 {
				return
			}
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidExtensionRequest)
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						for _, ext := range info.extensions {
							b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
								b.AddASN1ObjectIdentifier(ext.Id)
								if ext.Critical {
									b.AddASN1Boolean(true)
								}
								b.AddASN1OctetString(ext.Value)
							})
						}
					})
				})
			})
		})
	})
	return b.Bytes()
}

func parseCertificationRequestInfo(der []byte) (*certificationRequestInfo, error) {
	input := cryptobyte.String(der)
	var seq, subject, spki, attrs cryptobyte.String
	var version int64
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Int64WithTag(&version, asn1.INTEGER) ||
		!seq.ReadASN1Element(&subject, asn1.SEQUENCE) ||
		!seq.ReadASN1Element(&spki, asn1.SEQUENCE) {
		return nil, badData("malformed certification request")
	}
	if version != 0 {
		return nil, badData("unsupported certification request version %d", version)
	}

	info := &certificationRequestInfo{rawSubject: []byte(subject), rawSPKI: []byte(spki)}
	if !seq.ReadOptionalASN1(&attrs, nil, asn1.Tag(0).Constructed().ContextSpecific()) || !seq.Empty() {
		return nil, badData("malformed certification request attributes")
	}
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var oid encasn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, asn1.SEQUENCE) || !attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, asn1.SET) {
			return nil, badData("malformed certification request attribute")
		}
		if !oid.Equal(oidExtensionRequest) {
			continue
		}
		var exts cryptobyte.String
		if !values.ReadASN1(&exts, asn1.SEQUENCE) {
			return nil, badData("malformed extension request")
		}
		for !exts.Empty() {
			ext, err := readExtension(&exts)
			if err != nil {
				return nil, err
			}
			info.extensions = append(info.extensions, ext)
		}
	}
	return info, nil
}

// SubjectPublicKeyBits returns the contents of the subjectPublicKey BIT
// STRING of an encoded SubjectPublicKeyInfo, the input to the method-1 key
// identifier.
func SubjectPublicKeyBits(spki []byte) ([]byte, error) {
	input := cryptobyte.String(spki)
	var seq, algo cryptobyte.String
	var bits encasn1.BitString
	if !input.ReadASN1(&seq, asn1.SEQUENCE) ||
		!seq.ReadASN1(&algo, asn1.SEQUENCE) ||
		!seq.ReadASN1BitString(&bits) {
		return nil, badData("malformed subject public key info")
	}
	return bits.Bytes, nil
}
