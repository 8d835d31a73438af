package ca

import (
	"context"
	"time"

	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// Store is the part of a CA keyset the engine drives. *repository.Keyset
// implements it; tests substitute backends that misbehave.
type Store interface {
	Objects() certobj.Factory

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	GetItem(ctx context.Context, kind certobj.Kind, idType keyid.IDType, id string, usage repository.Usage) (certobj.Object, error)
	GetCertState(ctx context.Context, certID string) (certobj.Object, models.RowState, error)
	GetRequest(ctx context.Context, certID string) (certobj.Object, error)
	FindPartialCert(ctx context.Context, state models.RowState) (certobj.Object, string, error)
	FindExpiredCert(ctx context.Context, now time.Time) (certobj.Object, string, error)
	FindStaleRequest(ctx context.Context, cutoff time.Time) (string, error)
	FindRevocationRequest(ctx context.Context) (certobj.Object, string, error)
	StreamCRLEntries(ctx context.Context, nameID string, limit int, fn func(data []byte) error) error
	PendingRevocationFor(ctx context.Context, certID string) (bool, error)
	PKIUserUsed(ctx context.Context, pkiUserCertID string) (bool, error)
	LogEntry(ctx context.Context, action models.Action, certID string) (models.CertLogEntry, error)

	AddCert(ctx context.Context, cert certobj.Object, mode repository.AddMode) error
	AddRequest(ctx context.Context, req certobj.Object) error
	AddPKIUser(ctx context.Context, user certobj.Object) error
	AddCRL(ctx context.Context, crl certobj.Object, revoked certobj.Object) error
	AddLogEntry(ctx context.Context, entry models.CertLogEntry) error
	CompleteCert(ctx context.Context, certID string, from models.RowState) error
	DeleteCert(ctx context.Context, certID string) error
	DeletePartialCert(ctx context.Context, certID string) error
	DeleteRequest(ctx context.Context, certID string) error
	DeletePKIUser(ctx context.Context, certID string) error

	DeleteExpiredCerts(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredCRLs(ctx context.Context, now time.Time) (int64, error)
	DeletePartialCerts(ctx context.Context, state models.RowState) (int64, error)
	DeleteStaleRequests(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteRevocationRequests(ctx context.Context) (int64, error)
}

var _ Store = (*repository.Keyset)(nil)
