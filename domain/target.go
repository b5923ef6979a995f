package domain

import (
	"fmt"
	"net"
	"strconv"
)

// Scheme is the protocol used to reach a Target.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// SchemeFromHTTPS maps the "with HTTPS" toggle to a Scheme.
func SchemeFromHTTPS(https bool) Scheme {
	if https {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// Target describes an HTTP endpoint that connections are matched against or redirected to.
type Target struct {
	Scheme Scheme // http or https
	Host   string // Hostname or IP literal, compared verbatim
	Port   int    // 1..65535
}

// URL returns the target as scheme://host:port.
func (t Target) URL() string {
	return fmt.Sprintf("%s://%s:%d", t.Scheme, t.Host, t.Port)
}

// HostPort returns the target as a dialable host:port string.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Equal reports whether both targets have the same scheme, host and port.
// The host comparison is case sensitive.
func (t Target) Equal(other Target) bool {
	return t.Scheme == other.Scheme && t.Host == other.Host && t.Port == other.Port
}
