package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
)

// CSR produces the base64url encoding of a DER PKCS#10 certificate signing
// request over the given SAN names, signed by the certificate key. The
// first name doubles as the CSR common name.
func CSR(names []string, certKey crypto.Signer) (string, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("no names specified")
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: names[0],
		},
		DNSNames: names,
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &template, certKey)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(csrBytes), nil
}
