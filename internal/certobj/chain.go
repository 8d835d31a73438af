package certobj

import (
	"crypto/x509"
	"time"

	"github.com/pkg/errors"

	"github.com/adamscao/castore/internal/models"
)

// chain is an ordered certificate chain, leaf first. Attributes are read
// from the leaf.
type chain struct {
	unsupported
	certs []*certificate
}

func importChain(der []byte) (*chain, error) {
	certs, err := x509.ParseCertificates(der)
	if err != nil {
		return nil, badData("failed to parse certificate chain: %v", err)
	}
	c := &chain{unsupported: unsupported{kind: KindCertChain}}
	for _, cert := range certs {
		wrapped, err := wrapCertificate(cert)
		if err != nil {
			return nil, err
		}
		c.certs = append(c.certs, wrapped)
	}
	return c, nil
}

func (c *chain) leaf() (*certificate, error) {
	if len(c.certs) == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "certificate chain is empty")
	}
	return c.certs[0], nil
}

func (c *chain) Bytes(attr Attribute) ([]byte, error) {
	leaf, err := c.leaf()
	if err != nil {
		return nil, err
	}
	return leaf.Bytes(attr)
}

func (c *chain) Text(attr Attribute) (string, error) {
	leaf, err := c.leaf()
	if err != nil {
		return "", err
	}
	return leaf.Text(attr)
}

func (c *chain) Time(attr Attribute) (time.Time, error) {
	leaf, err := c.leaf()
	if err != nil {
		return time.Time{}, err
	}
	return leaf.Time(attr)
}

func (c *chain) Int(attr Attribute) (int, error) {
	leaf, err := c.leaf()
	if err != nil {
		return 0, err
	}
	return leaf.Int(attr)
}

// SetObject with AttrCertificate appends a signed certificate to the chain.
func (c *chain) SetObject(attr Attribute, value Object) error {
	if attr != AttrCertificate {
		return c.unsupported.SetObject(attr, value)
	}
	cert, ok := value.(*certificate)
	if !ok || cert.cert == nil {
		return errors.Wrap(models.ErrParam, "chain members must be signed certificates")
	}
	c.certs = append(c.certs, cert)
	return nil
}

func (c *chain) Export(format Format) ([]byte, error) {
	if format != FormatDER {
		return nil, errors.Wrapf(models.ErrParam, "unsupported chain export format %d", format)
	}
	var der []byte
	for _, cert := range c.certs {
		der = append(der, cert.cert.Raw...)
	}
	if len(der) == 0 {
		return nil, errors.Wrap(models.ErrNotFound, "certificate chain is empty")
	}
	return der, nil
}

// Verify checks each certificate against the next one in the chain, and
// the last against issuer or itself.
func (c *chain) Verify(issuer Object) error {
	for i, cert := range c.certs {
		var parent Object = issuer
		if i+1 < len(c.certs) {
			parent = c.certs[i+1]
		}
		if err := cert.Verify(parent); err != nil {
			return errors.Wrapf(err, "chain certificate %d", i)
		}
	}
	return nil
}

func (c *chain) Items() []Object {
	items := make([]Object, len(c.certs))
	for i, cert := range c.certs {
		items[i] = cert
	}
	return items
}

func (c *chain) Destroy() {
	for _, cert := range c.certs {
		cert.Destroy()
	}
	c.certs = nil
}
