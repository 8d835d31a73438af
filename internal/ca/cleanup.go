package ca

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/models"
)

// sweep is one bounded pass over rows needing attention. next returns the
// first such row; the key is returned even when the payload could not be
// decoded so that discard can still remove it. discard only deletes; the
// audit row for the discard is written by discardRow.
type sweep struct {
	name     string
	next     func(ctx context.Context) (certobj.Object, string, error)
	process  func(ctx context.Context, obj certobj.Object, key string) (Outcome, error)
	discard  func(ctx context.Context, key string) error
	fallback func(ctx context.Context) (int64, error)
}

// Cleanup repairs the store. With ActionExpireCert it removes expired
// certificates and revocation entries; with ActionRestartCleanup it
// removes stale certificate requests. Either way it then resolves every
// certificate left pending by an interrupted issue or renewal and every
// revocation request left unprocessed.
//
// Each pass stops after the iteration or error limit, or as soon as the
// backend returns the same row twice, and falls back to a bulk delete. The
// passes run independently; the first error is returned.
func (e *Engine) Cleanup(ctx context.Context, action models.Action) (Outcome, error) {
	if action != models.ActionExpireCert && action != models.ActionRestartCleanup {
		return OutcomeCompleted, errors.Wrapf(models.ErrParam, "%s is not a cleanup action", action)
	}
	defer recordAction(action, time.Now())
	now := e.now()

	sweeps := []sweep{e.staleRequestSweep(now.Add(-e.limits.RequestMaxAge))}
	if action == models.ActionExpireCert {
		sweeps = []sweep{e.expirySweep(now)}
	}
	sweeps = append(sweeps,
		e.partialIssueSweep(),
		e.partialRenewalSweep(),
		e.revocationSweep(),
	)

	outcome := OutcomeCompleted
	var firstErr error
	for _, s := range sweeps {
		o, err := e.runSweep(ctx, action, s)
		if o == OutcomeFallback {
			outcome = OutcomeFallback
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if action == models.ActionExpireCert {
		n, err := e.store.DeleteExpiredCRLs(ctx, now)
		if err != nil && firstErr == nil {
			firstErr = e.fail(ctx, action, errors.Wrap(err, "failed to remove expired revocation entries"), "", nil)
		}
		if n > 0 {
			e.log.WithField("count", n).Info("expired revocation entries removed")
		}
	}
	if firstErr != nil {
		recordError(action)
	}
	return outcome, firstErr
}

func (e *Engine) runSweep(ctx context.Context, action models.Action, s sweep) (Outcome, error) {
	log := e.log.WithField("sweep", s.name)
	outcome := OutcomeCompleted
	var prevKey string
	var errCount int
	var cause error

	for i := 0; ; i++ {
		if i >= e.limits.MaxIterations {
			cause = errors.Wrapf(models.ErrIterationLimit, "%s: more than %d rows", s.name, e.limits.MaxIterations)
			break
		}
		obj, key, err := s.next(ctx)
		if errors.Is(err, models.ErrNotFound) && key == "" {
			return outcome, nil
		}
		if key != "" && key == prevKey {
			destroy(obj)
			cause = errors.Wrapf(models.ErrInternal, "%s: backend returned %s again", s.name, key)
			break
		}
		if err != nil {
			if key == "" {
				cause = errors.Wrapf(err, "%s: failed to fetch row", s.name)
				break
			}
			log.WithError(err).WithField("key", key).Warn("discarding undecodable row")
			err = e.discardRow(ctx, action, key, err, s.discard)
		} else {
			var o Outcome
			o, err = s.process(ctx, obj, key)
			if o == OutcomeFallback {
				outcome = OutcomeFallback
			}
		}
		destroy(obj)
		prevKey = key

		if err != nil {
			errCount++
			log.WithError(err).WithField("key", key).Warn("cleanup step failed")
			if errCount >= e.limits.MaxErrors {
				cause = errors.Wrapf(err, "%s: giving up after %d errors", s.name, errCount)
				break
			}
		}
	}

	n, err := s.fallback(ctx)
	if err != nil {
		return outcome, e.fail(ctx, action, errors.Wrapf(err, "%s: fallback delete failed", s.name), "", nil)
	}
	recordFallback(action)
	log.WithError(cause).WithField("deleted", n).Warn("sweep completed via fallback delete")
	e.logError(ctx, action, cause, "", nil)

	if errors.Is(cause, models.ErrIterationLimit) {
		return OutcomeFallback, cause
	}
	return OutcomeFallback, nil
}

// discardRow deletes a row cleanup cannot act on and writes an error row
// naming it and the cause, both in one transaction.
func (e *Engine) discardRow(ctx context.Context, action models.Action, key string, cause error, remove func(ctx context.Context, key string) error) error {
	record, err := ErrorRecord{
		Status:  models.StatusCode(cause),
		Message: action.String() + ": discarded " + key + ": " + cause.Error(),
	}.Marshal()
	if err != nil {
		return err
	}
	if err := e.inTransaction(ctx, func() error {
		if err := remove(ctx, key); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionError, "", "", key, record)
	}); err != nil {
		return err
	}
	recordError(action)
	return nil
}

func (e *Engine) expirySweep(now time.Time) sweep {
	return sweep{
		name: "expired certificates",
		next: func(ctx context.Context) (certobj.Object, string, error) {
			return e.store.FindExpiredCert(ctx, now)
		},
		process: func(ctx context.Context, _ certobj.Object, certID string) (Outcome, error) {
			return OutcomeCompleted, e.expireCert(ctx, certID)
		},
		discard: e.store.DeleteCert,
		fallback: func(ctx context.Context) (int64, error) {
			return e.store.DeleteExpiredCerts(ctx, now)
		},
	}
}

func (e *Engine) expireCert(ctx context.Context, certID string) error {
	return e.inTransaction(ctx, func() error {
		if err := e.store.DeleteCert(ctx, certID); err != nil {
			return err
		}
		return e.logAction(ctx, models.ActionExpireCert, "", "", certID, nil)
	})
}

func (e *Engine) staleRequestSweep(cutoff time.Time) sweep {
	remove := func(ctx context.Context, reqCertID string) error {
		return e.inTransaction(ctx, func() error {
			if err := e.store.DeleteRequest(ctx, reqCertID); err != nil {
				return err
			}
			return e.logAction(ctx, models.ActionRestartCleanup, "", "", reqCertID, nil)
		})
	}
	return sweep{
		name: "stale requests",
		next: func(ctx context.Context) (certobj.Object, string, error) {
			reqCertID, err := e.store.FindStaleRequest(ctx, cutoff)
			return nil, reqCertID, err
		},
		process: func(ctx context.Context, _ certobj.Object, reqCertID string) (Outcome, error) {
			return OutcomeCompleted, remove(ctx, reqCertID)
		},
		discard: e.store.DeleteRequest,
		fallback: func(ctx context.Context) (int64, error) {
			return e.store.DeleteStaleRequests(ctx, cutoff)
		},
	}
}

// partialIssueSweep revokes certificates whose multi-step issue was never
// completed. They may already have reached the subject.
func (e *Engine) partialIssueSweep() sweep {
	state := models.StatePendingIssue
	return sweep{
		name: "pending issues",
		next: func(ctx context.Context) (certobj.Object, string, error) {
			return e.store.FindPartialCert(ctx, state)
		},
		process: func(ctx context.Context, cert certobj.Object, certID string) (Outcome, error) {
			return e.revoke(ctx, revocation{
				cert:      cert,
				certID:    certID,
				state:     state,
				reason:    models.ReasonNeverValid,
				reqCertID: e.creationRequest(ctx, certID),
				action:    models.ActionCertCreationReverse,
			})
		},
		discard: e.store.DeletePartialCert,
		fallback: func(ctx context.Context) (int64, error) {
			return e.store.DeletePartialCerts(ctx, state)
		},
	}
}

func (e *Engine) partialRenewalSweep() sweep {
	state := models.StatePendingRenewal
	return sweep{
		name: "pending renewals",
		next: func(ctx context.Context) (certobj.Object, string, error) {
			return e.store.FindPartialCert(ctx, state)
		},
		process: func(ctx context.Context, cert certobj.Object, certID string) (Outcome, error) {
			return e.completeCertRenewal(ctx, cert, certID, e.creationRequest(ctx, certID))
		},
		discard: e.store.DeletePartialCert,
		fallback: func(ctx context.Context) (int64, error) {
			return e.store.DeletePartialCerts(ctx, state)
		},
	}
}

// revocationSweep processes revocation requests left pending. A request
// whose certificate has gone is discarded with an error row.
func (e *Engine) revocationSweep() sweep {
	return sweep{
		name: "revocation requests",
		next: func(ctx context.Context) (certobj.Object, string, error) {
			return e.store.FindRevocationRequest(ctx)
		},
		process: func(ctx context.Context, req certobj.Object, reqCertID string) (Outcome, error) {
			outcome, err := e.RevokeCert(ctx, req, models.ActionRestartRevokeCert)
			if errors.Is(err, models.ErrNotFound) {
				return OutcomeCompleted, e.discardRow(ctx, models.ActionRestartRevokeCert, reqCertID, err, e.store.DeleteRequest)
			}
			return outcome, err
		},
		discard: e.store.DeleteRequest,
		fallback: func(ctx context.Context) (int64, error) {
			return e.store.DeleteRevocationRequests(ctx)
		},
	}
}
