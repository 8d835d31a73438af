package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/config"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
	"github.com/adamscao/castore/internal/policy"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type fixture struct {
	ctx  context.Context
	conn *db.Conn
	ks   *repository.Keyset
	f    certobj.Factory
	auth Authority
	eng  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Options{
		Backend: "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "castore.db"),
		Log:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.RunMigrations(ctx, conn, true))

	f := certobj.NewX509Factory()
	ks := repository.NewKeyset(conn, f, repository.Options{CAStore: true, Log: testLogger()})

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caCert, err := selfSign(f, key, KeyPairOptions{Subject: "Test CA", Validity: 10 * 365 * 24 * time.Hour})
	require.NoError(t, err)

	return &fixture{
		ctx:  ctx,
		conn: conn,
		ks:   ks,
		f:    f,
		auth: Authority{Cert: caCert, Key: key},
		eng:  newEngine(ks),
	}
}

func newEngine(ks *repository.Keyset, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return New(ks, policy.NewValidator(config.Default()), opts...)
}

func newKey(t *testing.T) crypto.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func (fx *fixture) request(t *testing.T, cn string, key crypto.Signer) certobj.Object {
	t.Helper()
	req, err := fx.f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, cn))
	require.NoError(t, req.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageDigitalSignature)))
	require.NoError(t, req.Sign(key, nil))
	return req
}

// issue submits a request for cn and issues it in one step.
func (fx *fixture) issue(t *testing.T, cn string, key crypto.Signer) certobj.Object {
	t.Helper()
	req := fx.request(t, cn, key)
	_, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{})
	require.NoError(t, err)
	cert, err := fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionIssueCert)
	require.NoError(t, err)
	return cert
}

func (fx *fixture) revocationRequest(t *testing.T, cert certobj.Object, reason int) certobj.Object {
	t.Helper()
	rev, err := fx.f.Create(certobj.KindRevocationRequest)
	require.NoError(t, err)
	require.NoError(t, rev.SetObject(certobj.AttrCertificate, cert))
	require.NoError(t, rev.SetInt(certobj.AttrRevocationReason, reason))
	return rev
}

func (fx *fixture) visible(t *testing.T, cert certobj.Object) bool {
	t.Helper()
	obj, err := fx.ks.GetItem(fx.ctx, certobj.KindCertificate, keyid.IDCertID, mustDerive(t, cert, keyid.IDCertID), repository.UsageAny)
	if err != nil {
		require.ErrorIs(t, err, models.ErrNotFound)
		return false
	}
	obj.Destroy()
	return true
}

func (fx *fixture) findLog(t *testing.T, action models.Action, subjCertID string) (models.CertLogEntry, bool) {
	t.Helper()
	entries, err := fx.ks.ListLog(fx.ctx, 100)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Action == action && entry.SubjCertID == subjCertID {
			return entry, true
		}
	}
	return models.CertLogEntry{}, false
}

func (fx *fixture) crlEntries(t *testing.T) []x509.RevocationListEntry {
	t.Helper()
	crl, err := fx.eng.IssueCRL(fx.ctx, fx.auth)
	require.NoError(t, err)
	defer crl.Destroy()
	require.NoError(t, crl.Verify(fx.auth.Cert))
	der, err := crl.Export(certobj.FormatDER)
	require.NoError(t, err)
	list, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	return list.RevokedCertificateEntries
}

func mustDerive(t *testing.T, obj certobj.Object, idType keyid.IDType) string {
	t.Helper()
	id, err := keyid.Derive(obj, idType)
	require.NoError(t, err)
	return id
}

func TestIssueCert(t *testing.T) {
	fx := newFixture(t)
	req, err := fx.f.Create(certobj.KindCertRequest)
	require.NoError(t, err)
	require.NoError(t, req.SetText(certobj.AttrCommonName, "Alice"))
	require.NoError(t, req.SetInt(certobj.AttrCA, 1))
	require.NoError(t, req.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign)))
	require.NoError(t, req.Sign(newKey(t), nil))

	reqCertID, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, mustDerive(t, req, keyid.IDCertID), reqCertID)

	cert, err := fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionIssueCert)
	require.NoError(t, err)
	defer cert.Destroy()

	assert.True(t, fx.visible(t, cert))
	require.NoError(t, cert.Verify(fx.auth.Cert))
	x, ok := certobj.X509(cert)
	require.True(t, ok)
	assert.False(t, x.IsCA, "request cannot mint a CA")
	assert.Zero(t, x.KeyUsage&x509.KeyUsageCertSign)

	_, err = fx.ks.GetRequest(fx.ctx, reqCertID)
	assert.ErrorIs(t, err, models.ErrNotFound, "request is consumed")

	certID := mustDerive(t, cert, keyid.IDCertID)
	stored, state, err := fx.ks.GetCertState(fx.ctx, certID)
	require.NoError(t, err)
	stored.Destroy()
	assert.Equal(t, models.StateVisible, state, "one-step issue never leaves a pending row")
	entry, err := fx.ks.LogEntry(fx.ctx, models.ActionIssueCert, certID)
	require.NoError(t, err)
	assert.Equal(t, reqCertID, entry.ReqCertID)

	_, err = fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionIssueCert)
	assert.ErrorIs(t, err, models.ErrNotFound, "request cannot be used twice")
}

func TestAddRequestDuplicateKey(t *testing.T) {
	fx := newFixture(t)
	key := newKey(t)
	cert := fx.issue(t, "Alice", key)
	defer cert.Destroy()

	_, err := fx.eng.AddRequest(fx.ctx, fx.request(t, "Alice", key), RequestOptions{})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	_, err = fx.eng.AddRequest(fx.ctx, fx.request(t, "Bob", newKey(t)), RequestOptions{Renewal: true})
	assert.ErrorIs(t, err, models.ErrNotFound, "nothing to renew")

	_, ok := fx.findLog(t, models.ActionError, "")
	assert.False(t, ok, "rejected requests are not audit failures")
}

func TestDeleteRequest(t *testing.T) {
	fx := newFixture(t)
	req := fx.request(t, "Alice", newKey(t))
	reqCertID, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.eng.DeleteRequest(fx.ctx, reqCertID))
	_, err = fx.ks.GetRequest(fx.ctx, reqCertID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, ok := fx.findLog(t, models.ActionCleanup, reqCertID)
	assert.True(t, ok, "withdrawal is audited")

	_, err = fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionIssueCert)
	assert.ErrorIs(t, err, models.ErrNotFound, "withdrawn request cannot be issued")

	err = fx.eng.DeleteRequest(fx.ctx, reqCertID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRevokeCert(t *testing.T) {
	fx := newFixture(t)
	cert := fx.issue(t, "Alice", newKey(t))
	defer cert.Destroy()
	certID := mustDerive(t, cert, keyid.IDCertID)

	rev := fx.revocationRequest(t, cert, models.ReasonKeyCompromise)
	revID, err := fx.eng.AddRequest(fx.ctx, rev, RequestOptions{})
	require.NoError(t, err)

	_, err = fx.eng.AddRequest(fx.ctx, fx.revocationRequest(t, cert, models.ReasonAffiliationChanged), RequestOptions{})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	outcome, err := fx.eng.RevokeCert(fx.ctx, rev, models.ActionRevokeCert)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.False(t, fx.visible(t, cert))

	_, err = fx.ks.GetRequest(fx.ctx, revID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	entry, ok := fx.findLog(t, models.ActionRevokeCert, certID)
	require.True(t, ok)
	assert.Equal(t, revID, entry.ReqCertID)
	assert.True(t, keyid.IsNonce(entry.CertID))

	entries := fx.crlEntries(t)
	require.Len(t, entries, 1)
	x, _ := certobj.X509(cert)
	assert.Equal(t, 0, x.SerialNumber.Cmp(entries[0].SerialNumber))
	assert.Equal(t, models.ReasonKeyCompromise, entries[0].ReasonCode)

	row, err := fx.conn.Query(fx.ctx, `SELECT certID FROM CRLs`, nil, db.QueryNormal)
	require.NoError(t, err)
	assert.Equal(t, certID, row.Text(0), "revocation entry joins back to the certificate and its log row")
}

func TestRevokeMissingCert(t *testing.T) {
	fx := newFixture(t)
	cert, err := fx.eng.buildCert(fx.auth, fx.request(t, "Ghost", newKey(t)))
	require.NoError(t, err)
	defer cert.Destroy()

	_, err = fx.eng.AddRequest(fx.ctx, fx.revocationRequest(t, cert, models.ReasonUnspecified), RequestOptions{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMultiStepIssue(t *testing.T) {
	fx := newFixture(t)

	start := func(cn string) certobj.Object {
		req := fx.request(t, cn, newKey(t))
		_, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{})
		require.NoError(t, err)
		cert, err := fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionCertCreation)
		require.NoError(t, err)
		assert.False(t, fx.visible(t, cert), "pending certificate is hidden")
		return cert
	}

	t.Run("complete", func(t *testing.T) {
		cert := start("Complete")
		defer cert.Destroy()
		outcome, err := fx.eng.CompleteIssue(fx.ctx, cert, models.ActionCertCreationComplete)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
		assert.True(t, fx.visible(t, cert))

		_, err = fx.eng.CompleteIssue(fx.ctx, cert, models.ActionCertCreationComplete)
		assert.ErrorIs(t, err, models.ErrParam)
	})

	t.Run("drop", func(t *testing.T) {
		cert := start("Drop")
		defer cert.Destroy()
		outcome, err := fx.eng.CompleteIssue(fx.ctx, cert, models.ActionCertCreationDrop)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)

		_, _, err = fx.ks.GetCertState(fx.ctx, mustDerive(t, cert, keyid.IDCertID))
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, ok := fx.findLog(t, models.ActionCertCreationDrop, mustDerive(t, cert, keyid.IDCertID))
		assert.True(t, ok)
	})

	t.Run("reverse", func(t *testing.T) {
		cert := start("Reverse")
		defer cert.Destroy()
		outcome, err := fx.eng.CompleteIssue(fx.ctx, cert, models.ActionCertCreationReverse)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)

		_, _, err = fx.ks.GetCertState(fx.ctx, mustDerive(t, cert, keyid.IDCertID))
		assert.ErrorIs(t, err, models.ErrNotFound)

		x, _ := certobj.X509(cert)
		var found bool
		for _, entry := range fx.crlEntries(t) {
			if entry.SerialNumber.Cmp(x.SerialNumber) == 0 {
				found = true
				assert.Equal(t, models.ReasonCessationOfOperation, entry.ReasonCode)
				assert.True(t, entry.RevocationTime.Equal(x.NotBefore), "backdated to issue")
			}
		}
		assert.True(t, found)
	})

	t.Run("bad action", func(t *testing.T) {
		cert := start("Bad")
		defer cert.Destroy()
		_, err := fx.eng.CompleteIssue(fx.ctx, cert, models.ActionRevokeCert)
		assert.ErrorIs(t, err, models.ErrParam)
	})
}

func TestRenewal(t *testing.T) {
	fx := newFixture(t)
	key := newKey(t)
	old := fx.issue(t, "Alice", key)
	defer old.Destroy()
	oldID := mustDerive(t, old, keyid.IDCertID)

	req := fx.request(t, "Alice", key)
	_, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{Renewal: true})
	require.NoError(t, err)
	entry, ok := fx.findLog(t, models.ActionRequestRenewal, oldID)
	require.True(t, ok)
	assert.Equal(t, mustDerive(t, req, keyid.IDCertID), entry.CertID)

	renewed, err := fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionIssueCert)
	require.NoError(t, err)
	defer renewed.Destroy()

	assert.True(t, fx.visible(t, renewed))
	assert.False(t, fx.visible(t, old))
	assert.Equal(t, mustDerive(t, old, keyid.IDKeyID), mustDerive(t, renewed, keyid.IDKeyID))

	_, ok = fx.findLog(t, models.ActionRevokeCert, oldID)
	assert.True(t, ok)
	_, ok = fx.findLog(t, models.ActionCertCreationComplete, mustDerive(t, renewed, keyid.IDCertID))
	assert.True(t, ok)

	entries := fx.crlEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReasonSuperseded, entries[0].ReasonCode)
}

func TestMultiStepRenewal(t *testing.T) {
	fx := newFixture(t)
	key := newKey(t)
	old := fx.issue(t, "Alice", key)
	defer old.Destroy()

	req := fx.request(t, "Alice", key)
	_, err := fx.eng.AddRequest(fx.ctx, req, RequestOptions{Renewal: true})
	require.NoError(t, err)
	renewed, err := fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionCertCreation)
	require.NoError(t, err)
	defer renewed.Destroy()

	assert.True(t, fx.visible(t, old), "old certificate remains until completion")
	_, state, err := fx.ks.GetCertState(fx.ctx, mustDerive(t, renewed, keyid.IDCertID))
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingRenewal, state)

	_, err = fx.eng.CompleteIssue(fx.ctx, renewed, models.ActionCertCreationComplete)
	require.NoError(t, err)
	assert.True(t, fx.visible(t, renewed))
	assert.False(t, fx.visible(t, old))
}

func TestPKIUserAuthorisesOnce(t *testing.T) {
	fx := newFixture(t)
	user, err := fx.f.Create(certobj.KindPKIUser)
	require.NoError(t, err)
	require.NoError(t, user.SetText(certobj.AttrCommonName, "Alice"))
	userCertID, err := fx.eng.AddPKIUser(fx.ctx, user)
	require.NoError(t, err)
	userID, err := user.Text(certobj.AttrPKIUserID)
	require.NoError(t, err)

	_, err = fx.eng.AddRequest(fx.ctx, fx.request(t, "Mallory", newKey(t)), RequestOptions{PKIUserID: userID})
	assert.ErrorIs(t, err, models.ErrPermission, "subject must match the PKI user")

	reqCertID, err := fx.eng.AddRequest(fx.ctx, fx.request(t, "Alice", newKey(t)), RequestOptions{PKIUserID: userID})
	require.NoError(t, err)
	entry, err := fx.ks.LogEntry(fx.ctx, models.ActionRequestCert, reqCertID)
	require.NoError(t, err)
	assert.Equal(t, userCertID, entry.ReqCertID)

	_, err = fx.eng.AddRequest(fx.ctx, fx.request(t, "Alice", newKey(t)), RequestOptions{PKIUserID: userID})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	_, err = fx.eng.AddRequest(fx.ctx, fx.request(t, "Alice", newKey(t)),
		RequestOptions{PKIUserID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"})
	assert.ErrorIs(t, err, models.ErrPermission, "unknown PKI user")

	require.NoError(t, fx.eng.DeletePKIUser(fx.ctx, userCertID))
	_, ok := fx.findLog(t, models.ActionDeleteUser, userCertID)
	assert.True(t, ok)
}

func TestIssueCRL(t *testing.T) {
	fx := newFixture(t)
	assert.Empty(t, fx.crlEntries(t), "no revocations gives an empty CRL")

	for _, cn := range []string{"Alice", "Bob", "Carol"} {
		cert := fx.issue(t, cn, newKey(t))
		rev := fx.revocationRequest(t, cert, models.ReasonPrivilegeWithdrawn)
		_, err := fx.eng.AddRequest(fx.ctx, rev, RequestOptions{})
		require.NoError(t, err)
		_, err = fx.eng.RevokeCert(fx.ctx, rev, models.ActionRevokeCert)
		require.NoError(t, err)
		cert.Destroy()
	}

	crl, err := fx.eng.IssueCRL(fx.ctx, fx.auth)
	require.NoError(t, err)
	defer crl.Destroy()
	n, err := crl.Int(certobj.AttrCRLEntry)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	thisUpdate, err := crl.Time(certobj.AttrValidFrom)
	require.NoError(t, err)
	nextUpdate, err := crl.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits.CRLUpdate, nextUpdate.Sub(thisUpdate))

	_, err = fx.ks.LogEntry(fx.ctx, models.ActionIssueCRL, mustDerive(t, crl, keyid.IDCertID))
	assert.NoError(t, err)

	limited := newEngine(fx.ks, WithLimits(Limits{MaxCRLEntries: 2}))
	_, err = limited.IssueCRL(fx.ctx, fx.auth)
	assert.ErrorIs(t, err, models.ErrIterationLimit)
}

func TestIssueRequiresAuthority(t *testing.T) {
	fx := newFixture(t)
	req := fx.request(t, "Alice", newKey(t))
	_, err := fx.eng.IssueCert(fx.ctx, Authority{}, req, models.ActionIssueCert)
	assert.ErrorIs(t, err, models.ErrParam)
	_, err = fx.eng.IssueCert(fx.ctx, fx.auth, req, models.ActionRevokeCert)
	assert.ErrorIs(t, err, models.ErrParam)
}
