package models

import "errors"

// Error taxonomy shared by every layer. Callers test with errors.Is; the
// layers wrap these with context describing the failing operation.
var (
	ErrNotFound       = errors.New("item not found")
	ErrDuplicate      = errors.New("item already present")
	ErrBadData        = errors.New("bad data")
	ErrWrite          = errors.New("write failed")
	ErrRead           = errors.New("read failed")
	ErrPermission     = errors.New("permission denied")
	ErrParam          = errors.New("invalid parameter")
	ErrInternal       = errors.New("internal error")
	ErrOverflow       = errors.New("output would overflow")
	ErrBusy           = errors.New("operation in progress")
	ErrIterationLimit = errors.New("iteration limit exceeded")
	ErrInvalid        = errors.New("invalid object")
)

// Status codes recorded in error audit rows.
const (
	StatusOK             = 0
	StatusParam          = -1
	StatusInternal       = -16
	StatusPermission     = -21
	StatusInvalid        = -26
	StatusOverflow       = -30
	StatusBadData        = -32
	StatusBusy           = -40
	StatusRead           = -41
	StatusWrite          = -42
	StatusNotFound       = -43
	StatusDuplicate      = -44
	StatusIterationLimit = -45
)

var statusCodes = []struct {
	err  error
	code int
}{
	{ErrNotFound, StatusNotFound},
	{ErrDuplicate, StatusDuplicate},
	{ErrBadData, StatusBadData},
	{ErrWrite, StatusWrite},
	{ErrRead, StatusRead},
	{ErrPermission, StatusPermission},
	{ErrParam, StatusParam},
	{ErrOverflow, StatusOverflow},
	{ErrBusy, StatusBusy},
	{ErrIterationLimit, StatusIterationLimit},
	{ErrInvalid, StatusInvalid},
	{ErrInternal, StatusInternal},
}

// StatusCode maps err onto the status taxonomy. Unclassified errors are
// reported as internal errors.
func StatusCode(err error) int {
	if err == nil {
		return StatusOK
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return StatusInternal
}
