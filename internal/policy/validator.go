package policy

import (
	"crypto/x509"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/config"
	"github.com/adamscao/castore/internal/models"
)

// Key usages a submitted request may never carry into an issued certificate
const caKeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign

const (
	encryptionKeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement | x509.KeyUsageDataEncipherment
	signingKeyUsage    = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | caKeyUsage
)

// Validator validates certificate requests against policy
type Validator struct {
	validity time.Duration
	now      func() time.Time
}

// NewValidator creates a new policy validator
func NewValidator(cfg *config.Config) *Validator {
	return &Validator{
		validity: cfg.GetDefaultValidityDuration(),
		now:      time.Now,
	}
}

// ValidateRequest checks that a request is complete and is the right kind
// of request for the action it is submitted under.
func (v *Validator) ValidateRequest(req certobj.Object, action models.Action) error {
	kind := req.Kind()
	switch action {
	case models.ActionRequestCert, models.ActionRequestRenewal,
		models.ActionIssueCert, models.ActionCertCreation:
		if kind != certobj.KindCertRequest && kind != certobj.KindRequestCert {
			return errors.Wrapf(models.ErrParam, "%s cannot be used for %s", kind, action)
		}
		return v.validateCertRequest(req, action)

	case models.ActionRequestRevocation, models.ActionRevokeCert, models.ActionRestartRevokeCert:
		if kind != certobj.KindRevocationRequest {
			return errors.Wrapf(models.ErrParam, "%s cannot be used for %s", kind, action)
		}
		return v.validateRevocationRequest(req)
	}
	return errors.Wrapf(models.ErrParam, "%s is not a request action", action)
}

func (v *Validator) validateCertRequest(req certobj.Object, action models.Action) error {
	subject, err := req.Bytes(certobj.AttrSubjectName)
	if err != nil || emptyName(subject) {
		return errors.Wrap(models.ErrParam, "request has no subject name")
	}
	if _, err := req.Bytes(certobj.AttrSubjectPublicKeyInfo); err != nil {
		return errors.Wrap(models.ErrParam, "request has no public key")
	}

	signed, err := req.Int(certobj.AttrSigned)
	if err != nil {
		return err
	}
	if signed != 0 {
		if err := req.Verify(nil); err != nil {
			return errors.Wrap(err, "request signature check failed")
		}
		return nil
	}

	// An unsigned request cannot prove possession of its key, which is
	// acceptable only for an encryption-only key.
	if req.Kind() != certobj.KindRequestCert || action == models.ActionRequestRenewal {
		return errors.Wrap(models.ErrParam, "request is not signed")
	}
	usage, err := req.Int(certobj.AttrKeyUsage)
	if err != nil {
		return err
	}
	ku := x509.KeyUsage(usage)
	if ku&encryptionKeyUsage == 0 || ku&signingKeyUsage != 0 {
		return errors.Wrap(models.ErrParam, "unsigned request must be for an encryption-only key")
	}
	return nil
}

func (v *Validator) validateRevocationRequest(req certobj.Object) error {
	if _, err := req.Bytes(certobj.AttrIssuerName); err != nil {
		return errors.Wrap(models.ErrParam, "revocation request has no issuer")
	}
	if _, err := req.Bytes(certobj.AttrSerialNumber); err != nil {
		return errors.Wrap(models.ErrParam, "revocation request has no serial number")
	}
	return nil
}

// emptyName reports whether an encoded Name has no RDNs
func emptyName(der []byte) bool {
	return len(der) <= 2
}

// StripCAAttributes removes everything from a certificate template that
// would let the subject act as a CA: the basicConstraints CA flag, the
// certificate and CRL signing key usages, and the legacy Netscape CA
// certificate types.
func (v *Validator) StripCAAttributes(cert certobj.Object) error {
	if err := cert.Delete(certobj.AttrCA); err != nil {
		return errors.Wrap(err, "failed to clear CA flag")
	}

	usage, err := cert.Int(certobj.AttrKeyUsage)
	if err != nil {
		return err
	}
	if ku := x509.KeyUsage(usage); ku&caKeyUsage != 0 {
		if err := cert.SetInt(certobj.AttrKeyUsage, int(ku&^caKeyUsage)); err != nil {
			return err
		}
	}

	flags, err := cert.Int(certobj.AttrLegacyCAFlags)
	if err != nil {
		return err
	}
	if flags&certobj.NetscapeCAFlags != 0 {
		return cert.SetInt(certobj.AttrLegacyCAFlags, flags&^certobj.NetscapeCAFlags)
	}
	return nil
}

// ApplyValidity sets the validity period of a certificate template to the
// configured default, capped at the expiry of the issuing CA.
func (v *Validator) ApplyValidity(cert, issuer certobj.Object) error {
	now := v.now().UTC()
	notAfter := now.Add(v.validity)

	if issuer != nil {
		caExpiry, err := issuer.Time(certobj.AttrValidTo)
		if err != nil {
			return errors.Wrap(err, "failed to read CA expiry")
		}
		if !caExpiry.After(now) {
			return errors.Wrap(models.ErrInvalid, "CA certificate has expired")
		}
		if notAfter.After(caExpiry) {
			notAfter = caExpiry
		}
	}

	if err := cert.SetTime(certobj.AttrValidFrom, now); err != nil {
		return err
	}
	return cert.SetTime(certobj.AttrValidTo, notAfter)
}
