package models

import "time"

// RowState is the visibility of a certificates row.
type RowState int

const (
	// StateVisible rows are returned by ordinary lookups.
	StateVisible RowState = 0
	// StatePendingIssue rows were written by the first phase of a
	// multi-step issue and are not yet visible.
	StatePendingIssue RowState = 1
	// StatePendingRenewal rows replace an existing certificate once the
	// renewal completes.
	StatePendingRenewal RowState = 2
)

func (s RowState) String() string {
	switch s {
	case StateVisible:
		return "visible"
	case StatePendingIssue:
		return "pending-issue"
	case StatePendingRenewal:
		return "pending-renewal"
	}
	return "unknown"
}

// DN holds the distinguished-name components stored alongside an item
type DN struct {
	C  string `json:"c,omitempty"`
	SP string `json:"sp,omitempty"`
	L  string `json:"l,omitempty"`
	O  string `json:"o,omitempty"`
	OU string `json:"ou,omitempty"`
	CN string `json:"cn,omitempty"`
}

// CertificateRecord represents a row in the certificates table
type CertificateRecord struct {
	DN
	Email    string    `json:"email,omitempty"`
	ValidTo  time.Time `json:"valid_to"`
	NameID   string    `json:"name_id"`
	IssuerID string    `json:"issuer_id"`
	KeyID    string    `json:"key_id"`
	CertID   string    `json:"cert_id"`
	State    RowState  `json:"state"`
	CertData []byte    `json:"-"`
}
