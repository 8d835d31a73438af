package ca

import (
	"context"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/adamscao/castore/internal/keyid"
	"github.com/adamscao/castore/internal/models"
)

// maxErrorMessage bounds the message stored in an error record
const maxErrorMessage = 512

// logAction appends an audit row. An empty certID is replaced by a nonce,
// for actions that have no object of their own.
func (e *Engine) logAction(ctx context.Context, action models.Action, certID, reqCertID, subjCertID string, data []byte) error {
	if certID == "" {
		nonce, err := keyid.Nonce()
		if err != nil {
			return err
		}
		certID = nonce
	}
	return e.store.AddLogEntry(ctx, models.CertLogEntry{
		Action:     action,
		ActionTime: e.now(),
		CertID:     certID,
		ReqCertID:  reqCertID,
		SubjCertID: subjCertID,
		CertData:   data,
	})
}

// logError records a failure as an error row. The row's payload is an
// ErrorRecord naming the failed action. Failing to write it is logged but
// not returned, the original failure matters more.
func (e *Engine) logError(ctx context.Context, action models.Action, cause error, subjCertID string, data []byte) {
	record, err := ErrorRecord{
		Status:  models.StatusCode(cause),
		Message: action.String() + ": " + cause.Error(),
		Data:    data,
	}.Marshal()
	if err == nil {
		err = e.logAction(ctx, models.ActionError, "", "", subjCertID, record)
	}
	if err != nil {
		e.log.WithError(err).WithField("action", action).Error("failed to record error in audit log")
	}
}

// ErrorRecord is the payload of an error audit row:
//
//	ErrorRecord ::= SEQUENCE {
//	    status   INTEGER,
//	    message  UTF8String,
//	    data     OCTET STRING OPTIONAL }
type ErrorRecord struct {
	Status  int
	Message string
	Data    []byte
}

// Marshal encodes the record, truncating an overlong message.
func (r ErrorRecord) Marshal() ([]byte, error) {
	msg := r.Message
	if len(msg) > maxErrorMessage {
		// cut on a rune boundary so the UTF8String stays valid
		end := maxErrorMessage
		for end > 0 && !utf8.RuneStart(msg[end]) {
			end--
		}
		msg = msg[:end]
	}
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(r.Status))
		b.AddASN1(asn1.UTF8String, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(msg))
		})
		if len(r.Data) > 0 {
			b.AddASN1OctetString(r.Data)
		}
	})
	return b.Bytes()
}

// ParseErrorRecord decodes an error row payload.
func ParseErrorRecord(der []byte) (ErrorRecord, error) {
	var r ErrorRecord
	input := cryptobyte.String(der)
	var seq, msg cryptobyte.String
	var status int64
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(&status) ||
		!seq.ReadASN1(&msg, asn1.UTF8String) {
		return r, errors.Wrap(models.ErrBadData, "malformed error record")
	}
	r.Status = int(status)
	r.Message = string(msg)
	if !seq.Empty() {
		var data cryptobyte.String
		if !seq.ReadASN1(&data, asn1.OCTET_STRING) || !seq.Empty() {
			return r, errors.Wrap(models.ErrBadData, "malformed error record data")
		}
		r.Data = []byte(data)
	}
	return r, nil
}
