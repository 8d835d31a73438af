// Package keyid derives the fixed-width identifiers used to key the store's
// tables.
//
// Hashed identifiers are the first 128 bits of a SHA-1 digest, encoded as
// unpadded standard base64. The truncation keeps the index columns short.
package keyid

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/models"
)

// IDType is the kind of value an identifier is derived from.
type IDType int

const (
	IDNone     IDType = iota
	IDName            // common name, stored as text
	IDURI             // email address, stored as lowercased text
	IDNameID          // hash of the subject DN
	IDIssuerID        // hash of issuerAndSerialNumber
	IDKeyID           // hash of the key identifier
	IDCertID          // hash of the encoded object
)

func (t IDType) String() string {
	switch t {
	case IDName:
		return "name"
	case IDURI:
		return "uri"
	case IDNameID:
		return "nameID"
	case IDIssuerID:
		return "issuerID"
	case IDKeyID:
		return "keyID"
	case IDCertID:
		return "certID"
	}
	return "none"
}

const (
	// HashSize is the truncated digest size in bytes
	HashSize = 16
	// EncodedSize is the length of an encoded hashed identifier
	EncodedSize = 22
	// MaxTextSize bounds name and URI identifiers, in characters
	MaxTextSize = 64
	// NoncePrefix marks audit-log keys that are not derived from an
	// object. '-' is outside the standard base64 alphabet, so a nonce never
	// equals a genuine identifier.
	NoncePrefix = "--"
)

// MakeKeyID derives an identifier of the given type from a raw value.
func MakeKeyID(idType IDType, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.Wrapf(models.ErrParam, "empty %s value", idType)
	}
	switch idType {
	case IDName:
		return truncateText(string(raw)), nil
	case IDURI:
		return strings.ToLower(truncateText(string(raw))), nil
	case IDNameID, IDIssuerID, IDKeyID, IDCertID:
		sum := sha1.Sum(raw)
		return EncodeHash(sum[:])
	}
	return "", errors.Wrapf(models.ErrParam, "unknown identifier type %d", idType)
}

// EncodeHash encodes an existing digest, truncated to HashSize bytes.
func EncodeHash(hash []byte) (string, error) {
	if len(hash) < HashSize {
		return "", errors.Wrapf(models.ErrParam, "hash too short (%d bytes)", len(hash))
	}
	return base64.RawStdEncoding.EncodeToString(hash[:HashSize]), nil
}

func truncateText(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextSize {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxTextSize])
}

// GetKeyID derives an identifier from an object attribute. The SHA-1
// fingerprint is already a digest and is only truncated; any other
// attribute is hashed.
func GetKeyID(obj certobj.Object, attr certobj.Attribute) (string, error) {
	value, err := obj.Bytes(attr)
	if err != nil {
		return "", err
	}
	if attr == certobj.AttrFingerprintSHA1 {
		return EncodeHash(value)
	}
	return MakeKeyID(idTypeForAttribute(attr), value)
}

func idTypeForAttribute(attr certobj.Attribute) IDType {
	switch attr {
	case certobj.AttrSubjectName:
		return IDNameID
	case certobj.AttrIssuerAndSerial:
		return IDIssuerID
	case certobj.AttrFingerprintSHA1:
		return IDCertID
	}
	return IDKeyID
}

// GetCertKeyID derives the keyID of an object with a public key. A subject
// key identifier of 16 to 64 bytes is used as is; otherwise the SHA-1 hash
// of the subject public key bits stands in for it, which is also what the
// CA writes into the certificates it issues.
func GetCertKeyID(obj certobj.Object) (string, error) {
	ski, err := obj.Bytes(certobj.AttrSubjectKeyIdentifier)
	if err == nil && len(ski) >= 16 && len(ski) <= 64 {
		return MakeKeyID(IDKeyID, ski)
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", err
	}

	spki, err := obj.Bytes(certobj.AttrSubjectPublicKeyInfo)
	if err != nil {
		return "", err
	}
	bits, err := certobj.SubjectPublicKeyBits(spki)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(bits)
	return MakeKeyID(IDKeyID, sum[:])
}

// GetPKIUserKeyID derives the keyID of a PKI user from its user ID.
func GetPKIUserKeyID(obj certobj.Object) (string, error) {
	return GetKeyID(obj, certobj.AttrPKIUserID)
}

// ExtractCertData returns the encoding of obj to store: the full object,
// its to-be-signed data, or a single revocation entry.
func ExtractCertData(obj certobj.Object, format certobj.Format) ([]byte, error) {
	data, err := obj.Export(format)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to export %s", obj.Kind())
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(models.ErrBadData, "empty %s encoding", obj.Kind())
	}
	return data, nil
}

// Nonce returns a random audit-log key carrying NoncePrefix.
func Nonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}
	encoded, err := EncodeHash(id[:])
	if err != nil {
		return "", err
	}
	return NoncePrefix + encoded[len(NoncePrefix):], nil
}

// IsNonce reports whether id was produced by Nonce
func IsNonce(id string) bool {
	return strings.HasPrefix(id, NoncePrefix)
}

// Derive recomputes the identifier of the given type from an object, for
// checking that a fetched object is the one that was asked for.
func Derive(obj certobj.Object, idType IDType) (string, error) {
	switch idType {
	case IDName:
		cn, err := obj.Text(certobj.AttrCommonName)
		if err != nil {
			return "", err
		}
		return MakeKeyID(IDName, []byte(cn))
	case IDURI:
		email, err := obj.Text(certobj.AttrEmail)
		if err != nil {
			return "", err
		}
		return MakeKeyID(IDURI, []byte(email))
	case IDNameID:
		return GetKeyID(obj, certobj.AttrSubjectName)
	case IDIssuerID:
		return GetKeyID(obj, certobj.AttrIssuerAndSerial)
	case IDKeyID:
		if obj.Kind() == certobj.KindPKIUser {
			return GetPKIUserKeyID(obj)
		}
		return GetCertKeyID(obj)
	case IDCertID:
		return GetKeyID(obj, certobj.AttrFingerprintSHA1)
	}
	return "", errors.Wrapf(models.ErrParam, "unknown identifier type %d", idType)
}
