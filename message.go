package redirector

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/tfkr-ae/redirector/domain"
	"github.com/tfkr-ae/redirector/rawhttp"
	"github.com/tfkr-ae/redirector/redirect"
)

// ErrReadOnlyMessage is returned when a listener tries to rewrite the headers of a response
var ErrReadOnlyMessage = errors.New("response headers are read only")

var _ redirect.Message = (*requestMessage)(nil)
var _ redirect.Message = (*responseMessage)(nil)

// serviceOf derives the destination of req from its URL, falling back to the Host header.
// Missing ports default to 443 for https and 80 otherwise.
func serviceOf(req *http.Request) domain.Target {
	scheme := domain.SchemeHTTP
	if req.URL.Scheme == string(domain.SchemeHTTPS) || (req.URL.Scheme == "" && req.TLS != nil) {
		scheme = domain.SchemeHTTPS
	}

	hostPort := req.URL.Host
	if hostPort == "" {
		hostPort = req.Host
	}

	host, portString, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		portString = ""
	}

	port, err := strconv.Atoi(portString)
	if err != nil {
		port = 80
		if scheme == domain.SchemeHTTPS {
			port = 443
		}
	}

	return domain.Target{Scheme: scheme, Host: host, Port: port}
}

// requestMessage exposes an in-flight request to redirection listeners
type requestMessage struct {
	req *http.Request
}

func (m *requestMessage) Service() domain.Target {
	return serviceOf(m.req)
}

// SetService points the connection at target. The request line, Host header and body are
// left untouched.
func (m *requestMessage) SetService(target domain.Target) {
	m.req.URL.Scheme = string(target.Scheme)
	m.req.URL.Host = target.HostPort()
}

func (m *requestMessage) HeaderLines() []string {
	return rawhttp.HeaderLines(m.req)
}

func (m *requestMessage) SetHeaderLines(lines []string) error {
	return rawhttp.ApplyHeaderLines(m.req, lines)
}

// responseMessage exposes a response to listeners. Its service is the destination the
// request was finally sent to.
type responseMessage struct {
	res *http.Response
}

func (m *responseMessage) Service() domain.Target {
	return serviceOf(m.res.Request)
}

func (m *responseMessage) SetService(domain.Target) {}

func (m *responseMessage) HeaderLines() []string {
	return rawhttp.ResponseHeaderLines(m.res)
}

func (m *responseMessage) SetHeaderLines([]string) error {
	return ErrReadOnlyMessage
}
