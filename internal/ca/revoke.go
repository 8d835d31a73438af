package ca

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// revocation describes one certificate to revoke
type revocation struct {
	cert   certobj.Object
	certID string
	state  models.RowState
	reason int

	// request is the revocation request being acted on, nil when the
	// engine revokes on its own account.
	request   certobj.Object
	reqCertID string

	action models.Action
}

// RevokeCert revokes the certificate named by a stored revocation request,
// writing its revocation entry and removing the certificate and the
// request. action is ActionRevokeCert, or ActionRestartRevokeCert when
// resuming a revocation interrupted by a restart.
func (e *Engine) RevokeCert(ctx context.Context, revReq certobj.Object, action models.Action) (Outcome, error) {
	if action != models.ActionRevokeCert && action != models.ActionRestartRevokeCert {
		return OutcomeCompleted, errors.Wrapf(models.ErrParam, "%s is not a revocation action", action)
	}
	defer recordAction(action, time.Now())

	if err := e.policy.ValidateRequest(revReq, action); err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}
	reqCertID, err := e.certID(revReq)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}
	stored, err := e.store.GetRequest(ctx, reqCertID)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, errors.Wrap(err, "revocation request is not pending")
	}
	stored.Destroy()

	issuerID, err := keyid.Derive(revReq, keyid.IDIssuerID)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}
	target, err := e.store.GetItem(ctx, certobj.KindCertificate, keyid.IDIssuerID, issuerID, repository.UsageAny)
	if err != nil {
		recordError(action)
		if errors.Is(err, models.ErrNotFound) {
			return OutcomeCompleted, errors.Wrap(models.ErrNotFound, "certificate to revoke is not present")
		}
		return OutcomeCompleted, err
	}
	defer target.Destroy()

	certID, err := e.certID(target)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}
	reason, err := revReq.Int(certobj.AttrRevocationReason)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}

	return e.revoke(ctx, revocation{
		cert:      target,
		certID:    certID,
		state:     models.StateVisible,
		reason:    reason,
		request:   revReq,
		reqCertID: reqCertID,
		action:    action,
	})
}

// revokeCertDirect revokes a visible certificate without a request.
func (e *Engine) revokeCertDirect(ctx context.Context, cert certobj.Object, reason int, action models.Action) (Outcome, error) {
	certID, err := e.certID(cert)
	if err != nil {
		return OutcomeCompleted, err
	}
	return e.revoke(ctx, revocation{
		cert:   cert,
		certID: certID,
		state:  models.StateVisible,
		reason: reason,
		action: action,
	})
}

// revoke writes the revocation entry and audit row and deletes the
// certificate and any request in one transaction. A revocation the engine
// started itself falls back to deleting the certificate outright.
func (e *Engine) revoke(ctx context.Context, r revocation) (Outcome, error) {
	entry, err := e.revocationEntry(r)
	if err != nil {
		return OutcomeCompleted, e.fail(ctx, r.action, err, r.certID, nil)
	}
	defer entry.Destroy()
	data, err := keyid.ExtractCertData(entry, certobj.FormatCRLEntry)
	if err != nil {
		return OutcomeCompleted, e.fail(ctx, r.action, err, r.certID, nil)
	}

	err = e.inTransaction(ctx, func() error {
		if err := e.store.AddCRL(ctx, entry, r.cert); err != nil {
			return err
		}
		if err := e.logAction(ctx, r.action, "", r.reqCertID, r.certID, data); err != nil {
			return err
		}
		if r.request != nil {
			if err := e.store.DeleteRequest(ctx, r.reqCertID); err != nil {
				return err
			}
		}
		if r.state == models.StateVisible {
			return e.store.DeleteCert(ctx, r.certID)
		}
		return e.store.DeletePartialCert(ctx, r.certID)
	})
	if err == nil {
		e.log.WithField("action", r.action).WithField("cert_id", r.certID).Info("certificate revoked")
		return OutcomeCompleted, nil
	}
	err = e.fail(ctx, r.action, errors.Wrap(err, "failed to revoke certificate"), r.certID, data)
	if r.request != nil {
		return OutcomeCompleted, err
	}

	if err := e.deleteAnyCert(ctx, r.certID); err != nil {
		return OutcomeCompleted, errors.Wrap(err, "fallback delete failed")
	}
	recordFallback(r.action)
	e.log.WithField("cert_id", r.certID).Warn("certificate removed via fallback delete")
	return OutcomeFallback, nil
}

// revocationEntry builds a single-entry CRL revoking r.cert. A never-valid
// revocation is dated back to the certificate's issue date.
func (e *Engine) revocationEntry(r revocation) (certobj.Object, error) {
	crl, err := e.objects.Create(certobj.KindCRL)
	if err != nil {
		return nil, err
	}
	if err := crl.SetObject(certobj.AttrCertificate, r.cert); err != nil {
		crl.Destroy()
		return nil, err
	}
	if err := crl.SetInt(certobj.AttrRevocationReason, r.reason); err != nil {
		crl.Destroy()
		return nil, err
	}
	date := e.now()
	if r.reason == models.ReasonNeverValid {
		if date, err = r.cert.Time(certobj.AttrValidFrom); err != nil {
			crl.Destroy()
			return nil, err
		}
	}
	if err := crl.SetTime(certobj.AttrRevocationDate, date); err != nil {
		crl.Destroy()
		return nil, err
	}
	return crl, nil
}

// deleteAnyCert removes a certificate row whatever its state.
func (e *Engine) deleteAnyCert(ctx context.Context, certID string) error {
	if err := e.store.DeleteCert(ctx, certID); err != nil {
		return err
	}
	return e.store.DeletePartialCert(ctx, certID)
}
