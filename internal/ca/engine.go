// Package ca is the certificate authority transaction engine. It drives
// issue, renewal, revocation, CRL assembly and crash recovery over a CA
// store, recording every state change in the store's certLog table.
//
// Multi-row changes run inside a single store transaction. Where a backend
// cannot complete the structured path the engine falls back to an
// unconditional delete and reports OutcomeFallback.
package ca

import (
	"context"
	"crypto"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
	"github.com/adamscao/castore/internal/policy"
)

// Outcome qualifies a successful operation.
type Outcome int

const (
	// OutcomeCompleted means the structured path succeeded.
	OutcomeCompleted Outcome = iota
	// OutcomeFallback means the operation only succeeded through an
	// unconditional delete.
	OutcomeFallback
)

func (o Outcome) String() string {
	if o == OutcomeFallback {
		return "completed via fallback"
	}
	return "completed"
}

// Authority is the CA certificate and the key that signs with it
type Authority struct {
	Cert certobj.Object
	Key  crypto.Signer
}

// Limits bounds the engine's loops over backend rows
type Limits struct {
	MaxIterations int
	MaxErrors     int
	MaxCRLEntries int

	// RequestMaxAge is how long a certificate request may wait for issue
	// before cleanup discards it.
	RequestMaxAge time.Duration
	// CRLUpdate is the interval to a CRL's nextUpdate.
	CRLUpdate time.Duration
}

// DefaultLimits are used for any limit left at zero.
var DefaultLimits = Limits{
	MaxIterations: repository.DefaultMaxIterations,
	MaxErrors:     10,
	MaxCRLEntries: 10000,
	RequestMaxAge: 72 * time.Hour,
	CRLUpdate:     certobj.DefaultCRLUpdateInterval,
}

// Engine runs CA operations against a store. Like the store, it is not
// safe for concurrent use.
type Engine struct {
	store   Store
	objects certobj.Factory
	policy  *policy.Validator
	limits  Limits
	log     *logrus.Entry
	now     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLimits overrides the default loop limits
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		if l.MaxIterations > 0 {
			e.limits.MaxIterations = l.MaxIterations
		}
		if l.MaxErrors > 0 {
			e.limits.MaxErrors = l.MaxErrors
		}
		if l.MaxCRLEntries > 0 {
			e.limits.MaxCRLEntries = l.MaxCRLEntries
		}
		if l.RequestMaxAge > 0 {
			e.limits.RequestMaxAge = l.RequestMaxAge
		}
		if l.CRLUpdate > 0 {
			e.limits.CRLUpdate = l.CRLUpdate
		}
	}
}

// WithLogger sets the engine's logger
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over store.
func New(store Store, validator *policy.Validator, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		objects: store.Objects(),
		policy:  validator,
		limits:  DefaultLimits,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "ca")
	return e
}

// inTransaction runs fn between Begin and Commit, aborting if it fails.
func (e *Engine) inTransaction(ctx context.Context, fn func() error) error {
	if err := e.store.Begin(ctx); err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(); err != nil {
		if abortErr := e.store.Abort(ctx); abortErr != nil {
			e.log.WithError(abortErr).Error("failed to abort transaction")
		}
		return err
	}
	if err := e.store.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// fail records a failed action in the audit log and the metrics, then
// returns err.
func (e *Engine) fail(ctx context.Context, action models.Action, err error, subjCertID string, data []byte) error {
	recordError(action)
	e.log.WithError(err).WithField("action", action).Warn("CA action failed")
	e.logError(ctx, action, err, subjCertID, data)
	return err
}

func (e *Engine) certID(obj certobj.Object) (string, error) {
	return keyid.Derive(obj, keyid.IDCertID)
}

func destroy(objs ...certobj.Object) {
	for _, obj := range objs {
		if obj != nil {
			obj.Destroy()
		}
	}
}
