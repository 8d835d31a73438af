package ca

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/models"
)

// CompleteIssue finishes a multi-step issue started by IssueCert with
// ActionCertCreation. ActionCertCreationComplete makes the certificate
// visible, ActionCertCreationDrop discards it and
// ActionCertCreationReverse revokes it as never valid.
func (e *Engine) CompleteIssue(ctx context.Context, cert certobj.Object, action models.Action) (Outcome, error) {
	switch action {
	case models.ActionCertCreationComplete, models.ActionCertCreationDrop, models.ActionCertCreationReverse:
	default:
		return OutcomeCompleted, errors.Wrapf(models.ErrParam, "%s is not a completion action", action)
	}
	defer recordAction(action, time.Now())

	certID, err := e.certID(cert)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, err
	}
	stored, state, err := e.store.GetCertState(ctx, certID)
	if err != nil {
		recordError(action)
		return OutcomeCompleted, errors.Wrap(err, "certificate is not pending")
	}
	defer stored.Destroy()
	if state == models.StateVisible {
		recordError(action)
		return OutcomeCompleted, errors.Wrap(models.ErrParam, "certificate issue is already complete")
	}
	reqCertID := e.creationRequest(ctx, certID)

	switch action {
	case models.ActionCertCreationComplete:
		if state == models.StatePendingRenewal {
			return e.completeCertRenewal(ctx, stored, certID, reqCertID)
		}
		return OutcomeCompleted, e.completeCert(ctx, certID, state, reqCertID)

	case models.ActionCertCreationDrop:
		return e.dropCert(ctx, certID, reqCertID)
	}

	return e.revoke(ctx, revocation{
		cert:      stored,
		certID:    certID,
		state:     state,
		reason:    models.ReasonNeverValid,
		reqCertID: reqCertID,
		action:    models.ActionCertCreationReverse,
	})
}

// completeCert makes a pending certificate visible.
func (e *Engine) completeCert(ctx context.Context, certID string, from models.RowState, reqCertID string) error {
	err := e.inTransaction(ctx, func() error {
		if err := e.store.CompleteCert(ctx, certID, from); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionCertCreationComplete, "", reqCertID, certID, nil)
	})
	if err != nil {
		return e.fail(ctx, models.ActionCertCreationComplete, errors.Wrap(err, "failed to complete certificate"), certID, nil)
	}
	return nil
}

// dropCert discards a pending certificate. If the logged delete fails the
// row is deleted on its own.
func (e *Engine) dropCert(ctx context.Context, certID, reqCertID string) (Outcome, error) {
	action := models.ActionCertCreationDrop
	err := e.inTransaction(ctx, func() error {
		if err := e.store.DeletePartialCert(ctx, certID); err != nil {
			return err
		}
		return e.logAction(ctx, action, "", reqCertID, certID, nil)
	})
	if err == nil {
		return OutcomeCompleted, nil
	}
	e.fail(ctx, action, errors.Wrap(err, "failed to drop certificate"), certID, nil)

	if err := e.store.DeletePartialCert(ctx, certID); err != nil {
		return OutcomeCompleted, errors.Wrap(err, "fallback delete failed")
	}
	recordFallback(action)
	e.log.WithField("cert_id", certID).Warn("pending certificate dropped via fallback delete")
	return OutcomeFallback, nil
}
