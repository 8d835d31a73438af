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

// RequestOptions qualifies a submitted request
type RequestOptions struct {
	// Renewal marks a certificate request as replacing the existing
	// certificate for the same key.
	Renewal bool
	// PKIUserID is the identifier of the PKI user authorising the request.
	// Each PKI user may authorise a single certificate request.
	PKIUserID string
}

// AddRequest validates a certificate, renewal or revocation request and
// stores it with its audit row. It returns the request's certID.
//
// The single-use check on a PKI user is not atomic with the insert: two
// requests submitted concurrently under the same PKI user can both pass it.
func (e *Engine) AddRequest(ctx context.Context, req certobj.Object, opts RequestOptions) (string, error) {
	action := models.ActionRequestCert
	switch {
	case req.Kind() == certobj.KindRevocationRequest:
		action = models.ActionRequestRevocation
	case opts.Renewal:
		action = models.ActionRequestRenewal
	}
	defer recordAction(action, time.Now())

	if err := e.policy.ValidateRequest(req, action); err != nil {
		recordError(action)
		return "", err
	}
	reqCertID, err := e.certID(req)
	if err != nil {
		recordError(action)
		return "", err
	}

	var subjCertID string
	if action == models.ActionRequestRevocation {
		subjCertID, err = e.checkRevocationTarget(ctx, req)
	} else {
		subjCertID, err = e.checkCertTarget(ctx, req, opts.Renewal)
	}
	if err != nil {
		recordError(action)
		return "", err
	}

	var pkiUserCertID string
	if opts.PKIUserID != "" {
		if action != models.ActionRequestCert {
			recordError(action)
			return "", errors.Wrapf(models.ErrParam, "a PKI user cannot authorise %s", action)
		}
		if pkiUserCertID, err = e.checkPKIUser(ctx, req, opts.PKIUserID); err != nil {
			recordError(action)
			return "", err
		}
	}

	data, err := keyid.ExtractCertData(req, certobj.FormatDER)
	if err != nil {
		recordError(action)
		return "", err
	}
	err = e.inTransaction(ctx, func() error {
		if err := e.store.AddRequest(ctx, req); err != nil {
			return err
		}
		return e.logAction(ctx, action, reqCertID, pkiUserCertID, subjCertID, data)
	})
	if err != nil {
		return "", e.fail(ctx, action, errors.Wrap(err, "failed to store request"), subjCertID, data)
	}

	e.log.WithField("action", action).WithField("cert_id", reqCertID).Info("request added")
	return reqCertID, nil
}

// checkCertTarget looks for a certificate already issued for the
// request's key. A new request must not have one; a renewal must. It
// returns the certID of the certificate a renewal replaces.
func (e *Engine) checkCertTarget(ctx context.Context, req certobj.Object, renewal bool) (string, error) {
	keyID, err := keyid.GetCertKeyID(req)
	if err != nil {
		return "", err
	}
	existing, err := e.store.GetItem(ctx, certobj.KindCertificate, keyid.IDKeyID, keyID, repository.UsageAny)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if renewal {
			return "", errors.Wrap(models.ErrNotFound, "no certificate to renew for this key")
		}
		return "", nil
	case err != nil:
		return "", errors.Wrap(err, "failed to check for an existing certificate")
	}
	defer existing.Destroy()

	if !renewal {
		return "", errors.Wrap(models.ErrDuplicate, "a certificate for this key is already present")
	}
	return e.certID(existing)
}

// checkRevocationTarget requires the certificate named by a revocation
// request to be present with no other revocation pending, and returns its
// certID.
func (e *Engine) checkRevocationTarget(ctx context.Context, req certobj.Object) (string, error) {
	issuerID, err := keyid.Derive(req, keyid.IDIssuerID)
	if err != nil {
		return "", err
	}
	target, err := e.store.GetItem(ctx, certobj.KindCertificate, keyid.IDIssuerID, issuerID, repository.UsageAny)
	if errors.Is(err, models.ErrNotFound) {
		return "", errors.Wrap(models.ErrNotFound, "certificate to revoke is not present")
	}
	if err != nil {
		return "", err
	}
	defer target.Destroy()

	certID, err := e.certID(target)
	if err != nil {
		return "", err
	}
	pending, err := e.store.PendingRevocationFor(ctx, certID)
	if err != nil {
		return "", err
	}
	if pending {
		return "", errors.Wrap(models.ErrDuplicate, "a revocation request for this certificate is already pending")
	}
	return certID, nil
}

// checkPKIUser resolves the PKI user authorising a request, checks that it
// has not authorised another and that the request is for the PKI user's
// subject, and returns the PKI user's certID.
func (e *Engine) checkPKIUser(ctx context.Context, req certobj.Object, pkiUserID string) (string, error) {
	raw, err := certobj.ParsePKIUserID(pkiUserID)
	if err != nil {
		return "", err
	}
	keyID, err := keyid.MakeKeyID(keyid.IDKeyID, raw)
	if err != nil {
		return "", err
	}
	user, err := e.store.GetItem(ctx, certobj.KindPKIUser, keyid.IDKeyID, keyID, repository.UsageAny)
	if errors.Is(err, models.ErrNotFound) {
		return "", errors.Wrap(models.ErrPermission, "unknown PKI user")
	}
	if err != nil {
		return "", err
	}
	defer user.Destroy()

	userCertID, err := e.certID(user)
	if err != nil {
		return "", err
	}
	used, err := e.store.PKIUserUsed(ctx, userCertID)
	if err != nil {
		return "", err
	}
	if used {
		return "", errors.Wrap(models.ErrDuplicate, "PKI user has already authorised a request")
	}

	userName, err := keyid.Derive(user, keyid.IDNameID)
	if err != nil {
		return "", err
	}
	reqName, err := keyid.Derive(req, keyid.IDNameID)
	if err != nil {
		return "", err
	}
	if userName != reqName {
		return "", errors.Wrap(models.ErrPermission, "request subject does not match the PKI user")
	}
	return userCertID, nil
}

// AddPKIUser stores a PKI user and returns its certID.
func (e *Engine) AddPKIUser(ctx context.Context, user certobj.Object) (string, error) {
	defer recordAction(models.ActionAddUser, time.Now())
	if user.Kind() != certobj.KindPKIUser {
		recordError(models.ActionAddUser)
		return "", errors.Wrapf(models.ErrParam, "%s is not a PKI user", user.Kind())
	}
	certID, err := e.certID(user)
	if err != nil {
		recordError(models.ActionAddUser)
		return "", err
	}
	err = e.inTransaction(ctx, func() error {
		if err := e.store.AddPKIUser(ctx, user); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionAddUser, certID, "", "", nil)
	})
	if err != nil {
		return "", e.fail(ctx, models.ActionAddUser, errors.Wrap(err, "failed to add PKI user"), certID, nil)
	}
	return certID, nil
}

// DeletePKIUser removes a PKI user by certID.
func (e *Engine) DeletePKIUser(ctx context.Context, certID string) error {
	defer recordAction(models.ActionDeleteUser, time.Now())
	err := e.inTransaction(ctx, func() error {
		if err := e.store.DeletePKIUser(ctx, certID); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionDeleteUser, "", "", certID, nil)
	})
	if err != nil {
		return e.fail(ctx, models.ActionDeleteUser, errors.Wrap(err, "failed to delete PKI user"), certID, nil)
	}
	return nil
}

// DeleteRequest withdraws a pending certificate, renewal or revocation
// request. The removal is logged as a cleanup row naming the request.
func (e *Engine) DeleteRequest(ctx context.Context, reqCertID string) error {
	defer recordAction(models.ActionCleanup, time.Now())
	req, err := e.store.GetRequest(ctx, reqCertID)
	if err != nil {
		recordError(models.ActionCleanup)
		return errors.Wrap(err, "request is not pending")
	}
	req.Destroy()

	err = e.inTransaction(ctx, func() error {
		if err := e.store.DeleteRequest(ctx, reqCertID); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionCleanup, "", "", reqCertID, nil)
	})
	if err != nil {
		return e.fail(ctx, models.ActionCleanup, errors.Wrap(err, "failed to delete request"), reqCertID, nil)
	}
	return nil
}
