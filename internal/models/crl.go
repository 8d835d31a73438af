package models

import "time"

// RevocationEntry represents a row in the CRLs table. ExpiryDate, NameID
// and CertID are only populated in CA stores.
type RevocationEntry struct {
	ExpiryDate time.Time `json:"expiry_date"`
	NameID     string    `json:"name_id"`
	IssuerID   string    `json:"issuer_id"`
	CertID     string    `json:"cert_id,omitempty"`
	CertData   []byte    `json:"-"`
}

// Revocation reason codes (RFC 5280 CRLReason).
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
	ReasonRemoveFromCRL        = 8
	ReasonPrivilegeWithdrawn   = 9
	ReasonAACompromise         = 10

	// ReasonNeverValid has no RFC 5280 code; it is recorded as
	// cessationOfOperation with the revocation date moved back to the
	// certificate's issue date.
	ReasonNeverValid = -1
)
