package certobj

import (
	"crypto/x509/pkix"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// pkiUser is a CA user record. The user ID is a random UUID that stands in
// for a key when deriving the record's key identifier.
type pkiUser struct {
	unsupported
	subject pkix.Name
	userID  uuid.UUID
}

func newPKIUser() (*pkiUser, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate PKI user ID")
	}
	return &pkiUser{unsupported: unsupported{kind: KindPKIUser}, userID: id}, nil
}

func importPKIUser(der []byte) (*pkiUser, error) {
	data, err := parsePKIUser(der)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(data.userID)
	if err != nil {
		return nil, badData("malformed PKI user ID: %v", err)
	}
	subject, err := parseName(data.rawSubject)
	if err != nil {
		return nil, err
	}
	return &pkiUser{unsupported: unsupported{kind: KindPKIUser}, subject: subject, userID: id}, nil
}

func (p *pkiUser) encoding() ([]byte, error) {
	rawSubject, err := marshalName(p.subject)
	if err != nil {
		return nil, err
	}
	data := pkiUserData{rawSubject: rawSubject, userID: p.userID[:]}
	return data.marshal()
}

func (p *pkiUser) Bytes(attr Attribute) ([]byte, error) {
	switch attr {
	case AttrSubjectName:
		return marshalName(p.subject)
	case AttrPKIUserID:
		return p.userID[:], nil
	case AttrFingerprintSHA1:
		der, err := p.encoding()
		if err != nil {
			return nil, err
		}
		return fingerprint(der), nil
	}
	return p.unsupported.Bytes(attr)
}

func (p *pkiUser) Text(attr Attribute) (string, error) {
	if isDNAttribute(attr) {
		value, ok := dnText(p.subject, attr)
		if !ok {
			return "", notFound(attr, p.kind)
		}
		return value, nil
	}
	if attr == AttrPKIUserID {
		return p.userID.String(), nil
	}
	return p.unsupported.Text(attr)
}

func (p *pkiUser) SetText(attr Attribute, value string) error {
	if isDNAttribute(attr) {
		setDN(&p.subject, attr, value)
		return nil
	}
	return p.unsupported.SetText(attr, value)
}

func (p *pkiUser) Int(attr Attribute) (int, error) {
	if attr == AttrSigned {
		return 0, nil
	}
	return p.unsupported.Int(attr)
}

func (p *pkiUser) Export(format Format) ([]byte, error) {
	der, err := p.encoding()
	if err != nil {
		return nil, err
	}
	return exportDER(der, format, "PKI USER")
}

// ParsePKIUserID parses the textual form of a PKI user ID.
func ParsePKIUserID(s string) ([]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(models.ErrParam, "invalid PKI user ID %q", s)
	}
	return id[:], nil
}
