package keyid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/models"
)

func TestMakeKeyIDDeterministic(t *testing.T) {
	raw := []byte("CN=Alice")
	first, err := MakeKeyID(IDNameID, raw)
	require.NoError(t, err)
	second, err := MakeKeyID(IDNameID, raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, EncodedSize)

	sum := sha1.Sum(raw)
	assert.Equal(t, base64.RawStdEncoding.EncodeToString(sum[:HashSize]), first)
}

func TestMakeKeyIDText(t *testing.T) {
	name, err := MakeKeyID(IDName, []byte("Alice"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	uri, err := MakeKeyID(IDURI, []byte("Alice@Example.COM"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", uri)

	long, err := MakeKeyID(IDName, []byte(strings.Repeat("é", 100)))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", MaxTextSize), long)

	_, err = MakeKeyID(IDCertID, nil)
	assert.ErrorIs(t, err, models.ErrParam)
}

func TestEncodeHash(t *testing.T) {
	_, err := EncodeHash(make([]byte, 10))
	assert.ErrorIs(t, err, models.ErrParam)

	encoded, err := EncodeHash(make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", EncodedSize), encoded)
}

func TestNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := Nonce()
		require.NoError(t, err)
		assert.Len(t, nonce, EncodedSize)
		assert.True(t, IsNonce(nonce))
		assert.False(t, seen[nonce])
		seen[nonce] = true
	}

	id, err := MakeKeyID(IDCertID, []byte("anything"))
	require.NoError(t, err)
	assert.False(t, IsNonce(id))
}

func TestCertKeyIDMatchesRequestKeyID(t *testing.T) {
	f := certobj.NewX509Factory()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caSPKI, err := x509.MarshalPKIXPublicKey(caKey.Public())
	require.NoError(t, err)
	ca, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, ca.SetText(certobj.AttrCommonName, "CA"))
	require.NoError(t, ca.SetBytes(certobj.AttrSubjectPublicKeyInfo, caSPKI))
	require.NoError(t, ca.SetInt(certobj.AttrCA, 1))
	require.NoError(t, ca.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageCertSign|x509.KeyUsageCRLSign)))
	require.NoError(t, ca.Sign(caKey, nil))

	userKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	req, err := f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, "Alice"))
	require.NoError(t, req.Sign(userKey, nil))

	cert, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, cert.SetObject(certobj.AttrCertRequest, req))
	require.NoError(t, cert.Delete(certobj.AttrCA))
	require.NoError(t, cert.Sign(caKey, ca))

	reqKeyID, err := GetCertKeyID(req)
	require.NoError(t, err)
	certKeyID, err := GetCertKeyID(cert)
	require.NoError(t, err)
	assert.Equal(t, reqKeyID, certKeyID)

	// certID comes straight from the SHA-1 fingerprint.
	der, err := ExtractCertData(cert, certobj.FormatDER)
	require.NoError(t, err)
	sum := sha1.Sum(der)
	want, err := EncodeHash(sum[:])
	require.NoError(t, err)
	certID, err := Derive(cert, IDCertID)
	require.NoError(t, err)
	assert.Equal(t, want, certID)

	name, err := Derive(cert, IDName)
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	reqNameID, err := Derive(req, IDNameID)
	require.NoError(t, err)
	certNameID, err := Derive(cert, IDNameID)
	require.NoError(t, err)
	assert.Equal(t, reqNameID, certNameID)
}

func TestPKIUserKeyID(t *testing.T) {
	f := certobj.NewX509Factory()
	user, err := f.Create(certobj.KindPKIUser)
	require.NoError(t, err)
	require.NoError(t, user.SetText(certobj.AttrCommonName, "Carol"))

	id, err := user.Text(certobj.AttrPKIUserID)
	require.NoError(t, err)
	raw, err := certobj.ParsePKIUserID(id)
	require.NoError(t, err)

	want, err := MakeKeyID(IDKeyID, raw)
	require.NoError(t, err)
	got, err := Derive(user, IDKeyID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
