package models

// PKIUserRecord represents a row in the pkiUsers table. KeyID is derived
// from the user's random identifier, not from a public key.
type PKIUserRecord struct {
	DN
	NameID   string `json:"name_id"`
	KeyID    string `json:"key_id"`
	CertID   string `json:"cert_id"`
	CertData []byte `json:"-"`
}
