package repository

import (
	"bytes"
	"crypto/x509"
	encasn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Usage filters candidate certificates by key usage.
type Usage int

const (
	UsageAny Usage = iota
	UsageSign
	UsageEncrypt
)

func (u Usage) String() string {
	switch u {
	case UsageSign:
		return "sign"
	case UsageEncrypt:
		return "encrypt"
	}
	return "any"
}

// DER encoding of the id-ce-keyUsage OID
var keyUsageOID = []byte{0x06, 0x03, 0x55, 0x1D, 0x0F}

const (
	signUsage    = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	encryptUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement
)

// matchesUsage checks an encoded certificate's key usage without decoding
// the whole certificate. A certificate with no key usage extension matches
// any usage.
func matchesUsage(der []byte, usage Usage) bool {
	if usage == UsageAny {
		return true
	}
	idx := bytes.Index(der, keyUsageOID)
	if idx < 0 {
		return true
	}

	rest := cryptobyte.String(der[idx+len(keyUsageOID):])
	if rest.PeekASN1Tag(asn1.BOOLEAN) {
		var critical bool
		if !rest.ReadASN1Boolean(&critical) {
			return false
		}
	}
	var value cryptobyte.String
	var bits encasn1.BitString
	if !rest.ReadASN1(&value, asn1.OCTET_STRING) || !value.ReadASN1BitString(&bits) {
		return false
	}

	var ku x509.KeyUsage
	for i := 0; i < 9 && i < bits.BitLength; i++ {
		if bits.At(i) != 0 {
			ku |= 1 << uint(i)
		}
	}
	switch usage {
	case UsageSign:
		return ku&signUsage != 0
	case UsageEncrypt:
		return ku&encryptUsage != 0
	}
	return true
}
