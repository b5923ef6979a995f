package redirector

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog"
)

// overrideLookup returns the address configured for a hostname in the hostname resolution
// configuration
type overrideLookup func(host string) (string, bool)

// redirectorRoundTripper will intercept requests to redirector.cert and serve the CA certificate
// Other requests will use the base RoundTripper
type redirectorRoundTripper struct {
	cert *x509.Certificate
	base http.RoundTripper
}

// overrideDialer dials upstream connections, replacing the hostname with the address from the
// hostname resolution configuration when an enabled entry exists for it
type overrideDialer struct {
	dialer *net.Dialer
	lookup overrideLookup
	logger zerolog.Logger
}

// DialContext resolves addr through the hostname resolution configuration before dialing
func (d *overrideDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}
	if d.lookup != nil {
		if ip, ok := d.lookup(host); ok {
			d.logger.Debug().Str("host", host).Str("address", ip).Msg("dialing overridden host")
			addr = net.JoinHostPort(ip, port)
		}
	}
	return d.dialer.DialContext(ctx, network, addr)
}

// newRedirectorTransport will create the proxy's roundtripper
// It will define the base transport with the upstream TLSConfig using utls to mimic Chrome,
// a hostname resolution aware DialContext and redirectorRoundTripper to serve the certificate
func newRedirectorTransport(cert *x509.Certificate, lookup overrideLookup, logger zerolog.Logger) http.RoundTripper {
	dialer := &overrideDialer{
		dialer: &net.Dialer{},
		lookup: lookup,
		logger: logger.With().Str("scope", "DIALER").Logger(),
	}

	transport := &http.Transport{}
	transport.DialContext = dialer.DialContext
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTlsConfig := &utls.Config{
			ServerName: sniHost,
		}

		if transport.TLSClientConfig != nil {
			uTlsConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, uTlsConfig, utls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores NextProtos and offers h2, restrict ALPN to http/1.1
		// before the handshake
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}

		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}

		return uConn, nil
	}

	return &redirectorRoundTripper{
		cert: cert,
		base: transport,
	}
}

// RoundTrip satisfies http.RoundTripper, it will take the request and check if the URL matches redirector.cert
// if it does, it will return the certificate in .der format
func (m *redirectorRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	urls := []string{"http://redirector.cert/", "http://redirector.cert"}
	if m.cert != nil && slices.Contains(urls, req.URL.String()) {
		body := m.cert.Raw
		resp := &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Request:       req,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}
		resp.Header.Set("Content-Type", "application/x-x509-ca-cert")
		resp.Header.Set("Content-Disposition", "attachment; filename=\"redirector-cert.der\"")
		return resp, nil
	}

	// An empty value stops net/http from sending its default User-Agent
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	return m.base.RoundTrip(req)
}
