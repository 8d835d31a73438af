package ca

import (
	"context"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// completeCertRenewal finishes a renewal. The visible certificate for the
// same key is revoked as superseded, then the pending replacement is made
// visible. If the old certificate has already gone the replacement is
// completed directly.
func (e *Engine) completeCertRenewal(ctx context.Context, cert certobj.Object, certID, reqCertID string) (Outcome, error) {
	keyID, err := keyid.GetCertKeyID(cert)
	if err != nil {
		return OutcomeCompleted, e.fail(ctx, models.ActionCertCreationComplete, err, certID, nil)
	}

	outcome := OutcomeCompleted
	old, err := e.store.GetItem(ctx, certobj.KindCertificate, keyid.IDKeyID, keyID, repository.UsageAny)
	switch {
	case errors.Is(err, models.ErrNotFound):
		e.log.WithField("cert_id", certID).Debug("no certificate to supersede")
	case err != nil:
		return OutcomeCompleted, e.fail(ctx, models.ActionCertCreationComplete,
			errors.Wrap(err, "failed to find certificate being renewed"), certID, nil)
	default:
		outcome, err = e.revokeCertDirect(ctx, old, models.ReasonSuperseded, models.ActionRevokeCert)
		old.Destroy()
		if err != nil {
			return outcome, err
		}
	}

	if err := e.completeCert(ctx, certID, models.StatePendingRenewal, reqCertID); err != nil {
		return outcome, err
	}
	return outcome, nil
}
