package repository

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(logger)
}

func openKeyset(t *testing.T, opts Options) *Keyset {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Options{
		Backend: "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "castore.db"),
		Log:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.RunMigrations(ctx, conn, opts.CAStore))

	opts.Log = testLogger()
	return NewKeyset(conn, certobj.NewX509Factory(), opts)
}

type issuer struct {
	cert certobj.Object
	key  crypto.Signer
}

func newIssuer(t *testing.T, f certobj.Factory, cn string) issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)

	ca, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, ca.SetText(certobj.AttrCommonName, cn))
	require.NoError(t, ca.SetBytes(certobj.AttrSubjectPublicKeyInfo, spki))
	require.NoError(t, ca.SetInt(certobj.AttrCA, 1))
	require.NoError(t, ca.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageCertSign|x509.KeyUsageCRLSign)))
	require.NoError(t, ca.Sign(key, nil))
	return issuer{cert: ca, key: key}
}

func (is issuer) issue(t *testing.T, f certobj.Factory, cn, email string, usage x509.KeyUsage) certobj.Object {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)

	cert, err := f.Create(certobj.KindCertificate)
	require.NoError(t, err)
	require.NoError(t, cert.SetText(certobj.AttrCommonName, cn))
	require.NoError(t, cert.SetText(certobj.AttrCountry, "NZ"))
	if email != "" {
		require.NoError(t, cert.SetText(certobj.AttrEmail, email))
	}
	require.NoError(t, cert.SetBytes(certobj.AttrSubjectPublicKeyInfo, spki))
	require.NoError(t, cert.SetInt(certobj.AttrKeyUsage, int(usage)))
	require.NoError(t, cert.Sign(is.key, is.cert))
	return cert
}

func mustDerive(t *testing.T, obj certobj.Object, idType keyid.IDType) string {
	t.Helper()
	id, err := keyid.Derive(obj, idType)
	require.NoError(t, err)
	return id
}

func TestAddAndGetCert(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	cert := ca.issue(t, f, "Alice", "Alice@Example.com", x509.KeyUsageDigitalSignature)
	require.NoError(t, ks.AddCert(ctx, cert, AddNormal))

	lookups := []struct {
		idType keyid.IDType
		id     string
	}{
		{keyid.IDName, "Alice"},
		{keyid.IDURI, "alice@example.com"},
		{keyid.IDNameID, mustDerive(t, cert, keyid.IDNameID)},
		{keyid.IDIssuerID, mustDerive(t, cert, keyid.IDIssuerID)},
		{keyid.IDKeyID, mustDerive(t, cert, keyid.IDKeyID)},
		{keyid.IDCertID, mustDerive(t, cert, keyid.IDCertID)},
	}
	want := mustDerive(t, cert, keyid.IDCertID)
	for _, tt := range lookups {
		t.Run(tt.idType.String(), func(t *testing.T) {
			got, err := ks.GetItem(ctx, certobj.KindCertificate, tt.idType, tt.id, UsageAny)
			require.NoError(t, err)
			assert.Equal(t, want, mustDerive(t, got, keyid.IDCertID))
		})
	}

	_, err := ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Bob", UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = ks.AddCert(ctx, cert, AddNormal)
	assert.ErrorIs(t, err, models.ErrDuplicate)
}

func TestPartialCertNotVisible(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	cert := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)
	certID := mustDerive(t, cert, keyid.IDCertID)

	require.NoError(t, ks.AddCert(ctx, cert, AddPartial))

	_, err := ks.GetItem(ctx, certobj.KindCertificate, keyid.IDCertID, certID, UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Alice", UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, state, err := ks.GetCertState(ctx, certID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingIssue, state)

	found, foundID, err := ks.FindPartialCert(ctx, models.StatePendingIssue)
	require.NoError(t, err)
	assert.Equal(t, certID, foundID)
	assert.Equal(t, certID, mustDerive(t, found, keyid.IDCertID))

	require.NoError(t, ks.CompleteCert(ctx, certID, models.StatePendingIssue))
	_, err = ks.GetItem(ctx, certobj.KindCertificate, keyid.IDCertID, certID, UsageAny)
	assert.NoError(t, err)

	_, _, err = ks.FindPartialCert(ctx, models.StatePendingIssue)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPartialCertsRequireCAStore(t *testing.T) {
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	err := ks.AddCert(context.Background(), ca.cert, AddPartial)
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestGetFirstGetNext(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		cert := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)
		require.NoError(t, ks.AddCert(ctx, cert, AddNormal))
		want[mustDerive(t, cert, keyid.IDCertID)] = true
	}

	got := map[string]bool{}
	obj, err := ks.GetFirst(ctx, Query{Kind: certobj.KindCertificate, IDType: keyid.IDName, ID: "Alice"})
	require.NoError(t, err)
	for err == nil {
		got[mustDerive(t, obj, keyid.IDCertID)] = true
		obj, err = ks.GetNext(ctx)
	}
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, want, got)

	_, err = ks.GetNext(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetNextIterationLimit(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{MaxIterations: 2})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	for i := 0; i < 3; i++ {
		require.NoError(t, ks.AddCert(ctx, ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature), AddNormal))
	}

	_, err := ks.GetFirst(ctx, Query{Kind: certobj.KindCertificate, IDType: keyid.IDName, ID: "Alice"})
	require.NoError(t, err)
	_, err = ks.GetNext(ctx)
	require.NoError(t, err)
	_, err = ks.GetNext(ctx)
	assert.ErrorIs(t, err, models.ErrIterationLimit)

	// the failed sequence must not leave the connection busy
	require.NoError(t, ks.AddCert(ctx, ca.cert, AddNormal))
}

func TestChainWalk(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Root CA")
	leaf := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)
	require.NoError(t, ks.AddCert(ctx, ca.cert, AddNormal))
	require.NoError(t, ks.AddCert(ctx, leaf, AddNormal))

	obj, err := ks.GetFirst(ctx, Query{
		Kind:   certobj.KindCertChain,
		IDType: keyid.IDCertID,
		ID:     mustDerive(t, leaf, keyid.IDCertID),
		Chain:  true,
	})
	require.NoError(t, err)
	cn, _ := obj.Text(certobj.AttrCommonName)
	assert.Equal(t, "Alice", cn)

	obj, err = ks.GetNext(ctx)
	require.NoError(t, err)
	cn, _ = obj.Text(certobj.AttrCommonName)
	assert.Equal(t, "Root CA", cn)

	_, err = ks.GetNext(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUsageFilter(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	cert := ca.issue(t, f, "Alice", "", x509.KeyUsageKeyEncipherment)
	require.NoError(t, ks.AddCert(ctx, cert, AddNormal))

	_, err := ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Alice", UsageSign)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Alice", UsageEncrypt)
	assert.NoError(t, err)
}

func TestFindByPattern(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	require.NoError(t, ks.AddCert(ctx, ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature), AddNormal))
	require.NoError(t, ks.AddCert(ctx, ca.issue(t, f, "Bob", "", x509.KeyUsageDigitalSignature), AddNormal))

	obj, err := ks.FindByPattern(ctx, FieldCommonName, "Al*")
	require.NoError(t, err)
	cn, _ := obj.Text(certobj.AttrCommonName)
	assert.Equal(t, "Alice", cn)
	_, err = ks.GetNext(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = ks.FindByPattern(ctx, FieldCommonName, "x' OR '1'='1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = ks.FindByPattern(ctx, Field("certData"), "*")
	assert.ErrorIs(t, err, models.ErrParam)
}

func TestTamperedRowRejected(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	cert := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)
	data, err := cert.Export(certobj.FormatDER)
	require.NoError(t, err)

	// a row whose stored identifiers do not match its payload
	err = ks.conn.Update(ctx, `INSERT INTO certificates
		(CN, validTo, nameID, issuerID, keyID, certID, state, certData)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		db.Params{db.String("Alice"), db.Time(time.Now().Add(time.Hour)), db.String("bogus-name"),
			db.String("bogus-issuer"), db.String("bogus-key"), db.String("bogus-cert"), db.Blob(data)},
		db.UpdateNormal)
	require.NoError(t, err)

	_, err = ks.GetItem(ctx, certobj.KindCertificate, keyid.IDCertID, "bogus-cert", UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// the name still matches, so the payload is accepted by name
	_, err = ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Alice", UsageAny)
	assert.NoError(t, err)
}

func TestSetItemChain(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Root CA")
	leaf := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)

	chain, err := f.Create(certobj.KindCertChain)
	require.NoError(t, err)
	require.NoError(t, chain.SetObject(certobj.AttrCertificate, leaf))
	require.NoError(t, chain.SetObject(certobj.AttrCertificate, ca.cert))

	require.NoError(t, ks.SetItem(ctx, chain))
	assert.ErrorIs(t, ks.SetItem(ctx, chain), models.ErrDuplicate)

	require.NoError(t, ks.DeleteItem(ctx, certobj.KindCertificate, keyid.IDName, "Alice"))
	require.NoError(t, ks.SetItem(ctx, chain), "one new member is enough")
}

func TestCAStoreWritePermissions(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")

	assert.ErrorIs(t, ks.SetItem(ctx, ca.cert), models.ErrPermission)
	err := ks.DeleteItem(ctx, certobj.KindCertificate, keyid.IDName, "Test CA")
	assert.ErrorIs(t, err, models.ErrPermission)

	user, err := f.Create(certobj.KindPKIUser)
	require.NoError(t, err)
	require.NoError(t, user.SetText(certobj.AttrCommonName, "Carol"))
	require.NoError(t, ks.SetItem(ctx, user))

	got, err := ks.GetItem(ctx, certobj.KindPKIUser, keyid.IDKeyID, mustDerive(t, user, keyid.IDKeyID), UsageAny)
	require.NoError(t, err)
	assert.Equal(t, mustDerive(t, user, keyid.IDCertID), mustDerive(t, got, keyid.IDCertID))

	require.NoError(t, ks.DeleteItem(ctx, certobj.KindPKIUser, keyid.IDName, "Carol"))
	_, err = ks.GetItem(ctx, certobj.KindPKIUser, keyid.IDName, "Carol", UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCAStoreRequestItems(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})
	f := ks.Objects()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	req, err := f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, "Dave"))
	require.NoError(t, req.Sign(key, nil))
	reqID := mustDerive(t, req, keyid.IDCertID)

	require.NoError(t, ks.SetItem(ctx, req))
	assert.ErrorIs(t, ks.SetItem(ctx, req), models.ErrDuplicate)

	got, err := ks.GetItem(ctx, certobj.KindCertRequest, keyid.IDName, "Dave", UsageAny)
	require.NoError(t, err)
	assert.Equal(t, reqID, mustDerive(t, got, keyid.IDCertID))
	got.Destroy()

	err = ks.DeleteItem(ctx, certobj.KindRevocationRequest, keyid.IDCertID, reqID)
	assert.ErrorIs(t, err, models.ErrNotFound, "kind must match the stored type")
	require.NoError(t, ks.DeleteItem(ctx, certobj.KindCertRequest, keyid.IDCertID, reqID))
	_, err = ks.GetRequest(ctx, reqID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	plain := openKeyset(t, Options{})
	assert.ErrorIs(t, plain.SetItem(ctx, req), models.ErrParam)
	err = plain.DeleteItem(ctx, certobj.KindCertRequest, keyid.IDCertID, reqID)
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestNonCAStoreRejectsCATables(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	_, err := ks.GetItem(ctx, certobj.KindPKIUser, keyid.IDName, "Carol", UsageAny)
	assert.ErrorIs(t, err, models.ErrPermission)
	err = ks.AddLogEntry(ctx, models.CertLogEntry{Action: models.ActionCreate, CertID: "x"})
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestRevocationEntries(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")
	leaf := ca.issue(t, f, "Alice", "", x509.KeyUsageDigitalSignature)

	crl, err := f.Create(certobj.KindCRL)
	require.NoError(t, err)
	require.NoError(t, crl.SetObject(certobj.AttrCertificate, leaf))
	require.NoError(t, crl.SetInt(certobj.AttrRevocationReason, models.ReasonKeyCompromise))

	require.NoError(t, ks.Begin(ctx))
	require.NoError(t, ks.AddCRL(ctx, crl, leaf))
	require.NoError(t, ks.Commit(ctx))

	entry, err := ks.GetItem(ctx, certobj.KindCRLEntry, keyid.IDIssuerID, mustDerive(t, leaf, keyid.IDIssuerID), UsageAny)
	require.NoError(t, err)
	reason, err := entry.Int(certobj.AttrRevocationReason)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonKeyCompromise, reason)

	row, err := ks.conn.Query(ctx, `SELECT certID FROM CRLs`, nil, db.QueryNormal)
	require.NoError(t, err)
	assert.Equal(t, mustDerive(t, leaf, keyid.IDCertID), row.Text(0), "keyed by the revoked certificate")

	_, err = ks.GetItem(ctx, certobj.KindCRLEntry, keyid.IDCertID, mustDerive(t, leaf, keyid.IDCertID), UsageAny)
	assert.ErrorIs(t, err, models.ErrParam)
	assert.ErrorIs(t, ks.AddCRL(ctx, crl, nil), models.ErrParam)
	assert.ErrorIs(t, ks.AddCRL(ctx, crl, leaf), models.ErrDuplicate, "a certificate is revoked once")

	var entries [][]byte
	nameID := mustDerive(t, ca.cert, keyid.IDNameID)
	require.NoError(t, ks.StreamCRLEntries(ctx, nameID, 0, func(data []byte) error {
		entries = append(entries, data)
		return nil
	}))
	assert.Len(t, entries, 1)

	validTo, err := leaf.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	n, err := ks.DeleteExpiredCRLs(ctx, validTo.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCertLog(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})

	entry := models.CertLogEntry{
		Action:     models.ActionRequestCert,
		CertID:     "request-1",
		ReqCertID:  "pkiuser-1",
		ActionTime: time.Now().Add(-100 * time.Hour),
	}
	require.NoError(t, ks.AddLogEntry(ctx, entry))
	assert.ErrorIs(t, ks.AddLogEntry(ctx, entry), models.ErrDuplicate)

	used, err := ks.PKIUserUsed(ctx, "pkiuser-1")
	require.NoError(t, err)
	assert.True(t, used)
	used, err = ks.PKIUserUsed(ctx, "pkiuser-2")
	require.NoError(t, err)
	assert.False(t, used)

	got, err := ks.LogEntry(ctx, models.ActionRequestCert, "request-1")
	require.NoError(t, err)
	assert.Equal(t, "pkiuser-1", got.ReqCertID)
	assert.Empty(t, got.SubjCertID)

	nonce, err := keyid.Nonce()
	require.NoError(t, err)
	require.NoError(t, ks.AddLogEntry(ctx, models.CertLogEntry{Action: models.ActionCleanup, CertID: nonce}))

	entries, err := ks.ListLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionCleanup, entries[0].Action)

	err = ks.AddLogEntry(ctx, models.CertLogEntry{Action: models.Action(99), CertID: "x"})
	assert.ErrorIs(t, err, models.ErrParam)
}

func TestStaleRequests(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{CAStore: true})
	f := ks.Objects()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	req, err := f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, "Alice"))
	require.NoError(t, req.Sign(key, nil))
	reqID := mustDerive(t, req, keyid.IDCertID)

	require.NoError(t, ks.Begin(ctx))
	require.NoError(t, ks.AddRequest(ctx, req))
	require.NoError(t, ks.AddLogEntry(ctx, models.CertLogEntry{
		Action:     models.ActionRequestCert,
		CertID:     reqID,
		ActionTime: time.Now().Add(-100 * time.Hour),
	}))
	require.NoError(t, ks.Commit(ctx))

	got, err := ks.GetRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, certobj.KindCertRequest, got.Kind())

	_, err = ks.FindStaleRequest(ctx, time.Now().Add(-200*time.Hour))
	assert.ErrorIs(t, err, models.ErrNotFound)

	staleID, err := ks.FindStaleRequest(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, reqID, staleID)

	n, err := ks.DeleteStaleRequests(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = ks.GetRequest(ctx, reqID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	ks := openKeyset(t, Options{})
	f := ks.Objects()
	ca := newIssuer(t, f, "Test CA")

	require.NoError(t, ks.Begin(ctx))
	require.NoError(t, ks.AddCert(ctx, ca.cert, AddNormal))
	require.NoError(t, ks.Abort(ctx))

	_, err := ks.GetItem(ctx, certobj.KindCertificate, keyid.IDName, "Test CA", UsageAny)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMatchesUsage(t *testing.T) {
	f := certobj.NewX509Factory()
	ca := newIssuer(t, f, "Test CA")
	signer := ca.issue(t, f, "Signer", "", x509.KeyUsageDigitalSignature)
	der, err := signer.Export(certobj.FormatDER)
	require.NoError(t, err)

	assert.True(t, matchesUsage(der, UsageAny))
	assert.True(t, matchesUsage(der, UsageSign))
	assert.False(t, matchesUsage(der, UsageEncrypt))
	assert.True(t, matchesUsage([]byte{0x30, 0x00}, UsageSign), "no extension matches any usage")
}
