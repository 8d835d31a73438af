package ca

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// IssueCRL assembles a CRL from every stored revocation entry issued by
// the CA and signs it. Entries that cannot be decoded or added are skipped
// and logged, up to the error limit. A CA with no revocation entries gets
// an empty CRL, but if entries exist and none could be added the issue
// fails.
func (e *Engine) IssueCRL(ctx context.Context, auth Authority) (certobj.Object, error) {
	action := models.ActionIssueCRL
	defer recordAction(action, time.Now())

	if auth.Cert == nil || auth.Key == nil {
		recordError(action)
		return nil, errors.Wrap(models.ErrParam, "no CA certificate or key")
	}
	nameID, err := keyid.Derive(auth.Cert, keyid.IDNameID)
	if err != nil {
		recordError(action)
		return nil, err
	}
	crl, err := e.objects.Create(certobj.KindCRL)
	if err != nil {
		recordError(action)
		return nil, err
	}

	var seen, added, bad int
	err = e.store.StreamCRLEntries(ctx, nameID, e.limits.MaxCRLEntries, func(data []byte) error {
		seen++
		var err error
		if data == nil {
			err = errors.Wrap(models.ErrBadData, "undecodable revocation entry")
		} else {
			err = crl.SetBytes(certobj.AttrCRLEntry, data)
		}
		if err == nil {
			added++
			return nil
		}
		bad++
		e.log.WithError(err).Warn("skipping revocation entry")
		if bad > e.limits.MaxErrors {
			return errors.Wrapf(models.ErrBadData, "more than %d bad revocation entries", e.limits.MaxErrors)
		}
		return nil
	})
	if err != nil {
		crl.Destroy()
		return nil, e.fail(ctx, action, errors.Wrap(err, "failed to read revocation entries"), "", nil)
	}
	if seen > 0 && added == 0 {
		crl.Destroy()
		return nil, e.fail(ctx, action, errors.Wrap(models.ErrBadData, "no revocation entries could be added"), "", nil)
	}

	now := e.now()
	if err := crl.SetTime(certobj.AttrValidFrom, now); err != nil {
		crl.Destroy()
		return nil, e.fail(ctx, action, err, "", nil)
	}
	if err := crl.SetTime(certobj.AttrValidTo, now.Add(e.limits.CRLUpdate)); err != nil {
		crl.Destroy()
		return nil, e.fail(ctx, action, err, "", nil)
	}
	if err := crl.Sign(auth.Key, auth.Cert); err != nil {
		crl.Destroy()
		return nil, e.fail(ctx, action, errors.Wrap(err, "failed to sign CRL"), "", nil)
	}

	certID, err := e.certID(crl)
	if err == nil {
		err = e.logAction(ctx, action, certID, "", "", nil)
	}
	if err != nil {
		crl.Destroy()
		return nil, e.fail(ctx, action, errors.Wrap(err, "failed to log CRL issue"), "", nil)
	}

	e.log.WithField("entries", added).WithField("skipped", bad).Info("CRL issued")
	return crl, nil
}
