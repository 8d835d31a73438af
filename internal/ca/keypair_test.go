package ca

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

func TestLoadOrGenerateKeyPair(t *testing.T) {
	f := certobj.NewX509Factory()

	for _, keyType := range []string{"ed25519", "ecdsa", "rsa"} {
		t.Run(keyType, func(t *testing.T) {
			dir := t.TempDir()
			certPath := filepath.Join(dir, "ca", "ca.pem")
			keyPath := filepath.Join(dir, "ca", "ca_key")
			opts := KeyPairOptions{KeyType: keyType, Subject: "Test CA", Validity: 24 * time.Hour}

			kp, err := LoadOrGenerateKeyPair(f, certPath, keyPath, opts)
			require.NoError(t, err)
			defer kp.Close()
			assert.Equal(t, keyType, kp.KeyType)

			info, err := os.Stat(keyPath)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
			keyPEM, err := os.ReadFile(keyPath)
			require.NoError(t, err)
			assert.Contains(t, string(keyPEM), "OPENSSH PRIVATE KEY")

			isCA, err := kp.Certificate.Int(certobj.AttrCA)
			require.NoError(t, err)
			assert.Equal(t, 1, isCA)
			cn, err := kp.Certificate.Text(certobj.AttrCommonName)
			require.NoError(t, err)
			assert.Equal(t, "Test CA", cn)

			loaded, err := LoadOrGenerateKeyPair(f, certPath, keyPath, opts)
			require.NoError(t, err)
			defer loaded.Close()
			assert.Equal(t, keyType, loaded.KeyType)
			assert.Equal(t, mustDerive(t, kp.Certificate, keyid.IDCertID), mustDerive(t, loaded.Certificate, keyid.IDCertID))

			fp1, err := kp.Fingerprint()
			require.NoError(t, err)
			fp2, err := loaded.Fingerprint()
			require.NoError(t, err)
			assert.Equal(t, fp1, fp2)
			assert.True(t, strings.HasPrefix(fp1, "SHA256:"))
		})
	}
}

func TestLoadKeyPairMismatch(t *testing.T) {
	f := certobj.NewX509Factory()
	dir := t.TempDir()
	opts := KeyPairOptions{KeyType: "ecdsa", Subject: "Test CA"}

	first, err := LoadOrGenerateKeyPair(f, filepath.Join(dir, "a.pem"), filepath.Join(dir, "a_key"), opts)
	require.NoError(t, err)
	first.Close()
	second, err := LoadOrGenerateKeyPair(f, filepath.Join(dir, "b.pem"), filepath.Join(dir, "b_key"), opts)
	require.NoError(t, err)
	second.Close()

	_, err = LoadOrGenerateKeyPair(f, filepath.Join(dir, "a.pem"), filepath.Join(dir, "b_key"), opts)
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestGenerateKeyPairUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerateKeyPair(certobj.NewX509Factory(), filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca_key"),
		KeyPairOptions{KeyType: "dsa", Subject: "Test CA"})
	assert.ErrorIs(t, err, models.ErrParam)
}

func TestKeyPairIssues(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()
	kp, err := LoadOrGenerateKeyPair(fx.f, filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca_key"),
		KeyPairOptions{KeyType: "ed25519", Subject: "Edwards CA", Validity: 30 * 24 * time.Hour})
	require.NoError(t, err)
	defer kp.Close()
	fx.auth = kp.Authority()

	cert := fx.issue(t, "Alice", newKey(t))
	defer cert.Destroy()
	require.NoError(t, cert.Verify(kp.Certificate))

	caExpiry, err := kp.Certificate.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	notAfter, err := cert.Time(certobj.AttrValidTo)
	require.NoError(t, err)
	assert.False(t, notAfter.After(caExpiry), "never outlives the CA")
}
