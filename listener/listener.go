// Package listener provides the net.Listener used by the redirector proxy: one port that
// accepts both plain HTTP proxy connections and TLS connections, and that survives
// per-connection accept failures.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPeekTimeout bounds how long a client may stay silent before its first bytes are read.
const DefaultPeekTimeout = 10 * time.Second

// connWrapper replays the peeked bytes before reading from the connection
type connWrapper struct {
	net.Conn
	io.Reader
}

func (cw *connWrapper) Read(b []byte) (int, error) {
	return cw.Reader.Read(b)
}

// ProtocolMuxListener inspects the first bytes of each connection and terminates TLS when the
// client opens with a TLS handshake record.
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig   *tls.Config
	PeekTimeout time.Duration
}

func NewProtocolMuxListener(listener net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{
		Listener:    listener,
		TLSConfig:   tlsConfig,
		PeekTimeout: DefaultPeekTimeout,
	}
}

func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	rawConnection, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	timeout := l.PeekTimeout
	if timeout <= 0 {
		timeout = DefaultPeekTimeout
	}

	bufferedReader := bufio.NewReader(rawConnection)
	if err := rawConnection.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		rawConnection.Close()
		return nil, fmt.Errorf("setting read deadline for peek: %w", err)
	}

	peekedBytes, peekErr := bufferedReader.Peek(5)

	if err := rawConnection.SetReadDeadline(time.Time{}); err != nil {
		rawConnection.Close()
		return nil, fmt.Errorf("clearing read deadline after peek: %w", err)
	}
	if peekErr != nil && !errors.Is(peekErr, bufio.ErrBufferFull) {
		rawConnection.Close()
		return nil, fmt.Errorf("peeking initial bytes: %w", peekErr)
	}

	wrapped := &connWrapper{Conn: rawConnection, Reader: bufferedReader}

	// TLS record type 22 (handshake), major version 3
	if len(peekedBytes) < 2 || peekedBytes[0] != 0x16 || peekedBytes[1] != 0x03 {
		return wrapped, nil
	}

	if l.TLSConfig == nil {
		rawConnection.Close()
		return nil, errors.New("tls client hello received but no tls config is set")
	}

	tlsConn := tls.Server(wrapped, l.TLSConfig)
	if err := rawConnection.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("setting read deadline for handshake: %w", err)
	}

	if err := tlsConn.Handshake(); err != nil {
		rawConnection.SetReadDeadline(time.Time{})
		tlsConn.Close()
		return nil, fmt.Errorf("performing tls handshake: %w", err)
	}

	if err := rawConnection.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clearing read deadline after handshake: %w", err)
	}
	return tlsConn, nil
}

// ResilientListener keeps accepting after recoverable errors. Only a closed listener ends Accept.
type ResilientListener struct {
	net.Listener
	logger   zerolog.Logger
	rejected atomic.Int64
}

func NewResilientListener(listenerToWrap net.Listener, logger zerolog.Logger) *ResilientListener {
	return &ResilientListener{
		Listener: listenerToWrap,
		logger:   logger.With().Str("scope", "LISTENER").Logger(),
	}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}

		l.rejected.Add(1)
		l.logger.Debug().Err(err).Msg("connection rejected")
	}
}

// Rejected returns the number of connections dropped because of accept errors.
func (l *ResilientListener) Rejected() int64 {
	return l.rejected.Load()
}
