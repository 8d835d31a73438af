package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/models"
	"github.com/adamscao/castore/pkg/sshutil"
)

// KeyPair is the CA's signing key and self-signed certificate
type KeyPair struct {
	PrivateKey  crypto.Signer
	Certificate certobj.Object
	KeyType     string
}

// KeyPairOptions controls generation of a new CA key pair
type KeyPairOptions struct {
	KeyType  string // ed25519, ecdsa or rsa
	Subject  string
	Validity time.Duration
}

// LoadOrGenerateKeyPair loads the CA key pair, or generates and saves one
// if the private key file does not exist. The private key is kept in
// OpenSSH format and the certificate as PEM.
func LoadOrGenerateKeyPair(objects certobj.Factory, certPath, keyPath string, opts KeyPairOptions) (*KeyPair, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return loadKeyPair(objects, certPath, keyPath)
	}
	return generateKeyPair(objects, certPath, keyPath, opts)
}

// loadKeyPair loads an existing key pair and checks that the certificate is
// for the key.
func loadKeyPair(objects certobj.Factory, certPath, keyPath string) (*KeyPair, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key")
	}
	raw, err := ssh.ParseRawPrivateKey(keyBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	signer, keyType, err := asSigner(raw)
	if err != nil {
		return nil, err
	}

	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CA certificate")
	}
	block, _ := pem.Decode(certBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Wrapf(models.ErrBadData, "%s is not a PEM certificate", certPath)
	}
	cert, err := objects.Import(block.Bytes, certobj.KindCertificate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CA certificate")
	}

	kp := &KeyPair{PrivateKey: signer, Certificate: cert, KeyType: keyType}
	if err := kp.check(); err != nil {
		cert.Destroy()
		return nil, err
	}
	return kp, nil
}

func asSigner(raw any) (crypto.Signer, string, error) {
	switch key := raw.(type) {
	case *ed25519.PrivateKey:
		return *key, "ed25519", nil
	case ed25519.PrivateKey:
		return key, "ed25519", nil
	case *ecdsa.PrivateKey:
		return key, "ecdsa", nil
	case *rsa.PrivateKey:
		return key, "rsa", nil
	}
	return nil, "", errors.Wrapf(models.ErrParam, "unsupported private key type %T", raw)
}

// check verifies that the certificate carries the key pair's public key
// and is self-signed by it.
func (kp *KeyPair) check() error {
	certSPKI, err := kp.Certificate.Bytes(certobj.AttrSubjectPublicKeyInfo)
	if err != nil {
		return err
	}
	certPub, err := x509.ParsePKIXPublicKey(certSPKI)
	if err != nil {
		return errors.Wrap(models.ErrBadData, "CA certificate public key is unreadable")
	}
	same, err := sshutil.FingerprintMatches(kp.PrivateKey.Public(), certPub)
	if err != nil {
		return err
	}
	if !same {
		return errors.Wrap(models.ErrInvalid, "CA certificate does not match the private key")
	}
	return kp.Certificate.Verify(nil)
}

// generateKeyPair generates a new CA key and self-signed certificate
func generateKeyPair(objects certobj.Factory, certPath, keyPath string, opts KeyPairOptions) (*KeyPair, error) {
	var signer crypto.Signer
	switch opts.KeyType {
	case "ed25519", "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ed25519 key")
		}
		signer = priv
		opts.KeyType = "ed25519"

	case "ecdsa":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ECDSA key")
		}
		signer = priv

	case "rsa":
		priv, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate RSA key")
		}
		signer = priv

	default:
		return nil, errors.Wrapf(models.ErrParam, "unsupported key type: %s", opts.KeyType)
	}

	cert, err := selfSign(objects, signer, opts)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{PrivateKey: signer, Certificate: cert, KeyType: opts.KeyType}

	if err := saveKeyPair(kp, certPath, keyPath); err != nil {
		cert.Destroy()
		return nil, errors.Wrap(err, "failed to save key pair")
	}
	return kp, nil
}

func selfSign(objects certobj.Factory, signer crypto.Signer, opts KeyPairOptions) (certobj.Object, error) {
	spki, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode public key")
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = 10 * 365 * 24 * time.Hour
	}
	now := time.Now()

	cert, err := objects.Create(certobj.KindCertificate)
	if err != nil {
		return nil, err
	}
	steps := []func() error{
		func() error { return cert.SetText(certobj.AttrCommonName, opts.Subject) },
		func() error { return cert.SetBytes(certobj.AttrSubjectPublicKeyInfo, spki) },
		func() error { return cert.SetInt(certobj.AttrCA, 1) },
		func() error {
			return cert.SetInt(certobj.AttrKeyUsage, int(x509.KeyUsageCertSign|x509.KeyUsageCRLSign|x509.KeyUsageDigitalSignature))
		},
		func() error { return cert.SetTime(certobj.AttrValidFrom, now) },
		func() error { return cert.SetTime(certobj.AttrValidTo, now.Add(validity)) },
		func() error { return cert.Sign(signer, nil) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			cert.Destroy()
			return nil, errors.Wrap(err, "failed to create CA certificate")
		}
	}
	return cert, nil
}

// saveKeyPair saves the key pair to files
func saveKeyPair(kp *KeyPair, certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %s", p)
		}
	}

	block, err := ssh.MarshalPrivateKey(kp.PrivateKey, "castore CA")
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return errors.Wrap(err, "failed to write private key")
	}

	certPEM, err := kp.Certificate.Export(certobj.FormatPEM)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return errors.Wrap(err, "failed to write CA certificate")
	}
	return nil
}

// Authority returns the key pair in the form the engine signs with.
func (kp *KeyPair) Authority() Authority {
	return Authority{Cert: kp.Certificate, Key: kp.PrivateKey}
}

// Fingerprint returns the SHA256 fingerprint of the CA public key, in the
// form ssh-keygen prints.
func (kp *KeyPair) Fingerprint() (string, error) {
	return sshutil.GetFingerprint(kp.PrivateKey.Public())
}

// Close releases the CA certificate.
func (kp *KeyPair) Close() {
	if kp.Certificate != nil {
		kp.Certificate.Destroy()
	}
}
