package models

// RequestType is the type tag stored with a certificate request.
type RequestType int

const (
	RequestTypeCert       RequestType = 1 // PKCS #10
	RequestTypeCRMF       RequestType = 2 // CRMF-style certification request
	RequestTypeRevocation RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestTypeCert:
		return "certrequest"
	case RequestTypeCRMF:
		return "request_cert"
	case RequestTypeRevocation:
		return "request_revocation"
	}
	return "unknown"
}

// CertificateRequest represents a row in the certRequests table
type CertificateRequest struct {
	DN
	Type     RequestType `json:"type"`
	Email    string      `json:"email,omitempty"`
	CertID   string      `json:"cert_id"`
	CertData []byte      `json:"-"`
}
