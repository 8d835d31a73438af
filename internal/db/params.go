package db

import (
	"encoding/base64"
	"strconv"
	"time"
)

// ParamType is the type of a bound parameter.
type ParamType int

const (
	ParamString ParamType = iota
	ParamBlob
	ParamTime
	ParamInt
	ParamNull
)

// Param is a query argument bound by position. Values never become part of
// the SQL text.
type Param struct {
	Type ParamType
	Str  string
	Data []byte
	Time time.Time
	Int  int64
}

// Params is the bound-parameter vector for one statement.
type Params []Param

// String returns a string parameter
func String(s string) Param {
	return Param{Type: ParamString, Str: s}
}

// Blob returns a binary parameter
func Blob(b []byte) Param {
	return Param{Type: ParamBlob, Data: b}
}

// Time returns a timestamp parameter. Times are stored in UTC with
// one-second resolution so that text-based backends compare them correctly.
func Time(t time.Time) Param {
	return Param{Type: ParamTime, Time: t}
}

// Int returns an integer parameter, used for type and action codes.
func Int(i int) Param {
	return Param{Type: ParamInt, Int: int64(i)}
}

// Null returns a NULL parameter
func Null() Param {
	return Param{Type: ParamNull}
}

// OptString is String, or NULL for an empty string.
func OptString(s string) Param {
	if s == "" {
		return Null()
	}
	return String(s)
}

// OptBlob is Blob, or NULL for an empty payload.
func OptBlob(b []byte) Param {
	if len(b) == 0 {
		return Null()
	}
	return Blob(b)
}

// OptTime is Time, or NULL for the zero time.
func OptTime(t time.Time) Param {
	if t.IsZero() {
		return Null()
	}
	return Time(t)
}

func (p Params) args(d Dialect) []any {
	args := make([]any, len(p))
	for i, param := range p {
		switch param.Type {
		case ParamBlob:
			if d.BinaryBlobs {
				args[i] = param.Data
			} else {
				args[i] = base64.StdEncoding.EncodeToString(param.Data)
			}
		case ParamTime:
			args[i] = param.Time.UTC().Truncate(time.Second)
		case ParamInt:
			args[i] = param.Int
		case ParamNull:
			args[i] = nil
		default:
			args[i] = param.Str
		}
	}
	return args
}

// Row is one result row, column values in select order.
type Row []any

// IsNull reports whether column i is NULL
func (r Row) IsNull(i int) bool {
	return i >= len(r) || r[i] == nil
}

// Bytes returns column i as bytes.
func (r Row) Bytes(i int) []byte {
	if i >= len(r) {
		return nil
	}
	switch v := r[i].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Text returns column i as a string.
func (r Row) Text(i int) string {
	if i >= len(r) {
		return ""
	}
	switch v := r[i].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// Int returns column i as an integer.
func (r Row) Int(i int) int64 {
	if i >= len(r) {
		return 0
	}
	switch v := r[i].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Time returns column i as a time.
func (r Row) Time(i int) time.Time {
	if i >= len(r) {
		return time.Time{}
	}
	switch v := r[i].(type) {
	case time.Time:
		return v.UTC()
	case []byte:
		return parseTime(string(v))
	case string:
		return parseTime(v)
	}
	return time.Time{}
}

var timeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseTime(s string) time.Time {
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
