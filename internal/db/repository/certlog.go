package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/models"
)

// AddLogEntry appends a row to the certLog table. The certID column is
// unique, so logging the same object twice fails with models.ErrDuplicate.
func (k *Keyset) AddLogEntry(ctx context.Context, entry models.CertLogEntry) error {
	if err := k.requireCAStore("AddLogEntry"); err != nil {
		return err
	}
	if !entry.Action.Valid() {
		return errors.Wrapf(models.ErrParam, "invalid log action %d", entry.Action)
	}
	if entry.CertID == "" {
		return errors.Wrap(models.ErrParam, "log entry has no certID")
	}
	if entry.ActionTime.IsZero() {
		entry.ActionTime = time.Now()
	}

	data := db.Null()
	if len(entry.CertData) > 0 {
		data = db.Blob(entry.CertData)
	}
	err := k.exec(ctx, `INSERT INTO certLog (action, actionTime, certID, reqCertID, subjCertID, certData)
		VALUES (?, ?, ?, ?, ?, ?)`,
		db.Params{
			db.Int(int(entry.Action)),
			db.Time(entry.ActionTime),
			db.String(entry.CertID),
			db.OptString(entry.ReqCertID),
			db.OptString(entry.SubjCertID),
			data,
		})
	if err != nil {
		return errors.Wrapf(err, "failed to log %s", entry.Action)
	}
	return nil
}

const logColumns = `action, actionTime, certID, reqCertID, subjCertID, certData`

func (k *Keyset) logEntry(row db.Row) models.CertLogEntry {
	entry := models.CertLogEntry{
		Action:     models.Action(row.Int(0)),
		ActionTime: row.Time(1),
		CertID:     row.Text(2),
		ReqCertID:  row.Text(3),
		SubjCertID: row.Text(4),
	}
	if !row.IsNull(5) {
		if data, err := k.decode(row, 5); err == nil {
			entry.CertData = data
		}
	}
	return entry
}

// LogEntry returns the row an action recorded against certID.
func (k *Keyset) LogEntry(ctx context.Context, action models.Action, certID string) (models.CertLogEntry, error) {
	if err := k.requireCAStore("LogEntry"); err != nil {
		return models.CertLogEntry{}, err
	}
	row, err := k.conn.Query(ctx, `SELECT `+logColumns+` FROM certLog WHERE action = ? AND certID = ?`,
		db.Params{db.Int(int(action)), db.String(certID)}, db.QueryNormal)
	if err != nil {
		return models.CertLogEntry{}, err
	}
	return k.logEntry(row), nil
}

// ListLog returns up to limit of the most recent log rows, newest first.
func (k *Keyset) ListLog(ctx context.Context, limit int) ([]models.CertLogEntry, error) {
	if err := k.requireCAStore("ListLog"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > k.opts.MaxIterations {
		limit = k.opts.MaxIterations
	}

	var entries []models.CertLogEntry
	mode := db.QueryStart
	for len(entries) < limit {
		row, err := k.conn.Query(ctx, `SELECT `+logColumns+` FROM certLog ORDER BY actionTime DESC`, nil, mode)
		if errors.Is(err, models.ErrNotFound) {
			return entries, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to list log")
		}
		mode = db.QueryContinue
		entries = append(entries, k.logEntry(row))
	}
	k.conn.Query(ctx, "", nil, db.QueryCancel)
	return entries, nil
}
