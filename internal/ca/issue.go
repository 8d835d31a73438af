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

// IssueCert issues a certificate from a stored request and returns it.
//
// With ActionIssueCert the certificate is visible on return. With
// ActionCertCreation it is written in a pending state and the caller must
// finish with CompleteIssue once the certificate has been delivered. A
// renewal is always written pending; under ActionIssueCert the renewal is
// then completed immediately, superseding the certificate it replaces.
func (e *Engine) IssueCert(ctx context.Context, auth Authority, req certobj.Object, action models.Action) (certobj.Object, error) {
	if action != models.ActionIssueCert && action != models.ActionCertCreation {
		return nil, errors.Wrapf(models.ErrParam, "%s is not an issue action", action)
	}
	defer recordAction(action, time.Now())

	if auth.Cert == nil || auth.Key == nil {
		recordError(action)
		return nil, errors.Wrap(models.ErrParam, "no CA certificate or key")
	}
	if err := e.policy.ValidateRequest(req, action); err != nil {
		recordError(action)
		return nil, err
	}
	reqCertID, err := e.certID(req)
	if err != nil {
		recordError(action)
		return nil, err
	}
	stored, err := e.store.GetRequest(ctx, reqCertID)
	if err != nil {
		recordError(action)
		return nil, errors.Wrap(err, "request is not pending")
	}
	stored.Destroy()

	renewal, err := e.isRenewal(ctx, reqCertID)
	if err != nil {
		recordError(action)
		return nil, err
	}

	cert, err := e.buildCert(auth, req)
	if err != nil {
		return nil, e.fail(ctx, action, err, reqCertID, nil)
	}
	certID, err := e.certID(cert)
	if err != nil {
		cert.Destroy()
		return nil, e.fail(ctx, action, err, reqCertID, nil)
	}
	data, err := keyid.ExtractCertData(cert, certobj.FormatDER)
	if err != nil {
		cert.Destroy()
		return nil, e.fail(ctx, action, err, reqCertID, nil)
	}

	// A one-step issue writes the row visible at once. Inside this
	// transaction that is the same as adding it pending and completing it
	// before commit: no reader ever sees the pending row, and a failure
	// rolls back both. Renewals stay pending until the old certificate is
	// replaced.
	mode := repository.AddPartial
	switch {
	case renewal:
		mode = repository.AddPartialRenewal
	case action == models.ActionIssueCert:
		mode = repository.AddNormal
	}

	err = e.inTransaction(ctx, func() error {
		if err := e.store.AddCert(ctx, cert, mode); err != nil {
			return err
		}
		if err := e.logAction(ctx, action, certID, reqCertID, "", data); err != nil {
			return err
		}
		return e.store.DeleteRequest(ctx, reqCertID)
	})
	if err != nil {
		cert.Destroy()
		return nil, e.fail(ctx, action, errors.Wrap(err, "failed to store issued certificate"), reqCertID, data)
	}

	log := e.log.WithField("action", action).WithField("cert_id", certID)
	if renewal && action == models.ActionIssueCert {
		if _, err := e.completeCertRenewal(ctx, cert, certID, reqCertID); err != nil {
			// The certificate stays pending; a restart cleanup completes it.
			log.WithError(err).Warn("renewal issued but not completed")
			cert.Destroy()
			return nil, err
		}
	}
	log.WithField("renewal", renewal).Info("certificate issued")
	return cert, nil
}

// isRenewal reports whether the request was submitted as a renewal.
func (e *Engine) isRenewal(ctx context.Context, reqCertID string) (bool, error) {
	_, err := e.store.LogEntry(ctx, models.ActionRequestRenewal, reqCertID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to look up request")
	}
	return true, nil
}

// buildCert creates a certificate from a request and signs it. Anything
// in the request that would make the subject a CA is removed first.
func (e *Engine) buildCert(auth Authority, req certobj.Object) (certobj.Object, error) {
	cert, err := e.objects.Create(certobj.KindCertificate)
	if err != nil {
		return nil, err
	}
	if err := e.prepareCert(auth, cert, req); err != nil {
		cert.Destroy()
		return nil, err
	}
	return cert, nil
}

func (e *Engine) prepareCert(auth Authority, cert, req certobj.Object) error {
	if err := cert.SetObject(certobj.AttrCertRequest, req); err != nil {
		return errors.Wrap(err, "failed to copy request into certificate")
	}
	if err := e.policy.StripCAAttributes(cert); err != nil {
		return err
	}
	if err := e.policy.ApplyValidity(cert, auth.Cert); err != nil {
		return err
	}
	return cert.Sign(auth.Key, auth.Cert)
}

// creationRequest returns the certID of the request a certificate was
// issued from, or "" if the issue was not logged.
func (e *Engine) creationRequest(ctx context.Context, certID string) string {
	for _, action := range []models.Action{models.ActionCertCreation, models.ActionIssueCert} {
		entry, err := e.store.LogEntry(ctx, action, certID)
		if err == nil {
			return entry.ReqCertID
		}
	}
	return ""
}
