package policy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/config"
	"github.com/adamscao/castore/internal/models"
)

func newValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	cfg := config.Default()
	cfg.Policy.DefaultValidity = "30d"
	require.NoError(t, cfg.Validate())
	v := NewValidator(cfg)
	v.now = func() time.Time { return now }
	return v
}

func newKey(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func spkiOf(t *testing.T, key crypto.Signer) []byte {
	t.Helper()
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	return spki
}

func signedRequest(t *testing.T, f certobj.Factory, cn string) certobj.Object {
	t.Helper()
	req, err := f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	if cn != "" {
		require.NoError(t, req.SetText(certobj.AttrCommonName, cn))
	}
	require.NoError(t, req.SetInt(certobj.AttrCA, 1))
	require.NoError(t, req.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign|x509.KeyUsageCRLSign)))
	require.NoError(t, req.SetInt(certobj.AttrLegacyCAFlags, certobj.NetscapeCAFlags|1))
	require.NoError(t, req.Sign(newKey(t), nil))
	return req
}

func unsignedRequest(t *testing.T, f certobj.Factory, usage x509.KeyUsage) certobj.Object {
	t.Helper()
	req, err := f.Create(certobj.KindRequestCert)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, "Bob"))
	require.NoError(t, req.SetBytes(certobj.AttrSubjectPublicKeyInfo, spkiOf(t, newKey(t))))
	require.NoError(t, req.SetInt(certobj.AttrKeyUsage, int(usage)))
	der, err := req.Export(certobj.FormatDER)
	require.NoError(t, err)
	imported, err := f.Import(der, certobj.KindRequestCert)
	require.NoError(t, err)
	return imported
}

func TestValidateRequest(t *testing.T) {
	f := certobj.NewX509Factory()
	v := newValidator(t, time.Now())

	req := signedRequest(t, f, "Alice")
	assert.NoError(t, v.ValidateRequest(req, models.ActionRequestCert))
	assert.NoError(t, v.ValidateRequest(req, models.ActionRequestRenewal))
	assert.ErrorIs(t, v.ValidateRequest(req, models.ActionRequestRevocation), models.ErrParam)
	assert.ErrorIs(t, v.ValidateRequest(req, models.ActionCleanup), models.ErrParam)

	noSubject := signedRequest(t, f, "")
	assert.ErrorIs(t, v.ValidateRequest(noSubject, models.ActionRequestCert), models.ErrParam)
}

func TestValidateUnsignedRequest(t *testing.T) {
	f := certobj.NewX509Factory()
	v := newValidator(t, time.Now())

	encrypt := unsignedRequest(t, f, x509.KeyUsageKeyEncipherment)
	assert.NoError(t, v.ValidateRequest(encrypt, models.ActionRequestCert))
	assert.ErrorIs(t, v.ValidateRequest(encrypt, models.ActionRequestRenewal), models.ErrParam)

	sign := unsignedRequest(t, f, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
	assert.ErrorIs(t, v.ValidateRequest(sign, models.ActionRequestCert), models.ErrParam)
}

func TestValidateRevocationRequest(t *testing.T) {
	f := certobj.NewX509Factory()
	v := newValidator(t, time.Now())

	empty, err := f.Create(certobj.KindRevocationRequest)
	require.NoError(t, err)
	assert.ErrorIs(t, v.ValidateRequest(empty, models.ActionRequestRevocation), models.ErrParam)

	key := newKey(t)
	cert, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, cert.SetText(certobj.AttrCommonName, "Alice"))
	require.NoError(t, cert.SetBytes(certobj.AttrSubjectPublicKeyInfo, spkiOf(t, key)))
	require.NoError(t, cert.Sign(key, nil))

	rev, err := f.Create(certobj.KindRevocationRequest)
	require.NoError(t, err)
	require.NoError(t, rev.SetObject(certobj.AttrCertificate, cert))
	assert.NoError(t, v.ValidateRequest(rev, models.ActionRequestRevocation))
	assert.ErrorIs(t, v.ValidateRequest(rev, models.ActionRequestCert), models.ErrParam)
}

func TestStripCAAttributes(t *testing.T) {
	f := certobj.NewX509Factory()
	v := newValidator(t, time.Now())
	req := signedRequest(t, f, "Mallory")

	cert, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, cert.SetObject(certobj.AttrCertRequest, req))
	require.NoError(t, v.StripCAAttributes(cert))

	isCA, err := cert.Int(certobj.AttrCA)
	require.NoError(t, err)
	assert.Equal(t, 0, isCA)
	usage, err := cert.Int(certobj.AttrKeyUsage)
	require.NoError(t, err)
	assert.Equal(t, int(x509.KeyUsageDigitalSignature), usage)
	flags, err := cert.Int(certobj.AttrLegacyCAFlags)
	require.NoError(t, err)
	assert.Equal(t, 1, flags)

	key := newKey(t)
	require.NoError(t, cert.Sign(key, nil))
	x, ok := certobj.X509(cert)
	require.True(t, ok)
	assert.False(t, x.IsCA)
}

func TestApplyValidity(t *testing.T) {
	f := certobj.NewX509Factory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newValidator(t, now)

	caKey := newKey(t)
	ca, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, ca.SetText(certobj.AttrCommonName, "Short CA"))
	require.NoError(t, ca.SetBytes(certobj.AttrSubjectPublicKeyInfo, spkiOf(t, caKey)))
	require.NoError(t, ca.SetTime(certobj.AttrValidFrom, now.Add(-time.Hour)))
	require.NoError(t, ca.SetTime(certobj.AttrValidTo, now.Add(10*24*time.Hour)))
	require.NoError(t, ca.Sign(caKey, nil))

	cert, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, v.ApplyValidity(cert, nil))
	notAfter, err := cert.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), notAfter)

	clamped, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, v.ApplyValidity(clamped, ca))
	notAfter, err = clamped.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*24*time.Hour), notAfter, "never outlives the CA")

	expired := newValidator(t, now.Add(20*24*time.Hour))
	err = expired.ApplyValidity(clamped, ca)
	assert.ErrorIs(t, err, models.ErrInvalid)
}
