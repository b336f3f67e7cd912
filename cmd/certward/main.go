// The certward command is a minimal HTTPS daemon built on the certward
// library. It exists to exercise provisioning end to end against a real
// ACME server (Pebble or Let's Encrypt staging); production deployments
// are expected to embed the library instead.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/lgrit/certward"
	"github.com/lgrit/certward/acme"
	certcmd "github.com/lgrit/certward/cmd"
)

const (
	SERVER_DEFAULT     = string(acme.Staging)
	SETTINGS_DEFAULT   = "/var/lib/certward"
	HTTP_ADDR_DEFAULT  = ":80"
	HTTPS_ADDR_DEFAULT = ":443"

	// PEBBLE_CA_DEFAULT is an embedded copy of
	// github.com/letsencrypt/pebble/test/certs/pebble.minica.pem. The
	// -pebble command line flag writes it to a tempfile so the HTTPS client
	// can trust a local Pebble's directory endpoint.
	PEBBLE_CA_DEFAULT = `
-----BEGIN CERTIFICATE-----
MIIDCTCCAfGgAwIBAgIIJOLbes8sTr4wDQYJKoZIhvcNAQELBQAwIDEeMBwGA1UE
AxMVbWluaWNhIHJvb3QgY2EgMjRlMmRiMCAXDTE3MTIwNjE5NDIxMFoYDzIxMTcx
MjA2MTk0MjEwWjAgMR4wHAYDVQQDExVtaW5pY2Egcm9vdCBjYSAyNGUyZGIwggEi
MA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQC5WgZNoVJandj43kkLyU50vzCZ
alozvdRo3OFiKoDtmqKPNWRNO2hC9AUNxTDJco51Yc42u/WV3fPbbhSznTiOOVtn
Ajm6iq4I5nZYltGGZetGDOQWr78y2gWY+SG078MuOO2hyDIiKtVc3xiXYA+8Hluu
9F8KbqSS1h55yxZ9b87eKR+B0zu2ahzBCIHKmKWgc6N13l7aDxxY3D6uq8gtJRU0
toumyLbdzGcupVvjbjDP11nl07RESDWBLG1/g3ktJvqIa4BWgU2HMh4rND6y8OD3
Hy3H8MY6CElL+MOCbFJjWqhtOxeFyZZV9q3kYnk9CAuQJKMEGuN4GU6tzhW1AgMB
AAGjRTBDMA4GA1UdDwEB/wQEAwIChDAdBgNVHSUEFjAUBggrBgEFBQcDAQYIKwYB
BQUHAwIwEgYDVR0TAQH/BAgwBgEB/wIBADANBgkqhkiG9w0BAQsFAAOCAQEAF85v
d40HK1ouDAtWeO1PbnWfGEmC5Xa478s9ddOd9Clvp2McYzNlAFfM7kdcj6xeiNhF
WPIfaGAi/QdURSL/6C1KsVDqlFBlTs9zYfh2g0UXGvJtj1maeih7zxFLvet+fqll
xseM4P9EVJaQxwuK/F78YBt0tCNfivC6JNZMgxKF59h0FBpH70ytUSHXdz7FKwix
Mfn3qEb9BXSk0Q3prNV5sOV3vgjEtB4THfDxSz9z3+DepVnW3vbbqwEbkXdk3j82
2muVldgOUgTwK8eT+XdofVdntzU/kzygSAtAQwLJfn51fS1GvEcYGBc1bDryIqmF
p9BI7gVKtWSZYegicA==
-----END CERTIFICATE-----
`
)

func main() {
	domains := flag.String(
		"domains",
		"",
		"Comma separated DNS names to obtain a certificate for")

	server := flag.String(
		"server",
		SERVER_DEFAULT,
		"ACME environment: production, staging, pebble or mock")

	directory := flag.String(
		"directory",
		"",
		"Explicit directory URL overriding -server")

	settings := flag.String(
		"settings",
		SETTINGS_DEFAULT,
		"Absolute directory for persisted keys and certificates")

	contact := flag.String(
		"contact",
		"",
		"Optional contact email address for the ACME account")

	caCert := flag.String(
		"ca",
		"",
		"CA certificate(s) for verifying the ACME server's HTTPS")

	httpAddr := flag.String(
		"httpAddr",
		HTTP_ADDR_DEFAULT,
		"Listen address for the plaintext listener carrying HTTP-01 responses")

	httpsAddr := flag.String(
		"httpsAddr",
		HTTPS_ADDR_DEFAULT,
		"Listen address for the HTTPS listener")

	pebble := flag.Bool(
		"pebble",
		false,
		"Use Pebble defaults")

	verbose := flag.Bool(
		"verbose",
		false,
		"Enable debug logging")

	flag.Parse()

	if *pebble {
		tmpFile, err := os.CreateTemp("", "pebble.ca.*.pem")
		certcmd.FailOnError(err, "Error opening pebble CA temp file")
		defer func() { _ = os.Remove(tmpFile.Name()) }()

		_, err = tmpFile.Write([]byte(PEBBLE_CA_DEFAULT))
		certcmd.FailOnError(err, "Error writing pebble CA temp file")
		certcmd.FailOnError(tmpFile.Close(), "Error closing pebble CA temp file")

		pebbleServer := string(acme.Pebble)
		pebbleCA := tmpFile.Name()
		server = &pebbleServer
		caCert = &pebbleCA
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var contacts []string
	if *contact != "" {
		contacts = []string{*contact}
	}

	handle, err := certward.Provision(certward.Config{
		Domains:      splitDomains(*domains),
		Server:       acme.Environment(*server),
		DirectoryURL: *directory,
		SettingsPath: *settings,
		Contacts:     contacts,
		CACertPath:   *caCert,
		Logger:       logger,
	})
	certcmd.FailOnError(err, "Unable to provision certificate")

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "certward: serving %s over TLS\n", *domains)
	})

	go func() {
		err := http.ListenAndServe(*httpAddr, handle.HTTPHandler(mux))
		certcmd.FailOnError(err, "Plaintext listener failed")
	}()

	go func() {
		srv := &http.Server{
			Addr:      *httpsAddr,
			Handler:   mux,
			TLSConfig: handle.TLSConfig(),
		}
		err := srv.ListenAndServeTLS("", "")
		certcmd.FailOnError(err, "HTTPS listener failed")
	}()

	logger.Info("serving", "http", *httpAddr, "https", *httpsAddr)
	certcmd.CatchSignals(handle.StopAutoRenewal)
}

func splitDomains(raw string) []string {
	var domains []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}
