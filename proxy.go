// Package redirector is an intercepting HTTP/HTTPS proxy that redirects traffic for one
// original target to a replacement target.
//
// The Proxy is the host that the redirect package plugs into: it delivers every request and
// response to registered listeners, owns the hostname resolution configuration that
// temporary DNS overrides are written into, persists notifications, and rolls everything
// back when it is closed.
package redirector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tfkr-ae/redirector/core"
	"github.com/tfkr-ae/redirector/dnsoverride"
	"github.com/tfkr-ae/redirector/domain"
	"github.com/tfkr-ae/redirector/listener"
	"github.com/tfkr-ae/redirector/redirect"
	"github.com/tfkr-ae/redirector/resolver"
)

const (
	certFile = "redirector_cert.pem" // Certificate File Name
	keyFile  = "redirector_key.pem"  // Private Key File Name
)

var (
	// ErrRepoUndefined is returned by operations that need persistence when no repository is set
	ErrRepoUndefined = errors.New("no repository defined")

	// ErrProxyClosed is returned when the proxy is used after Close
	ErrProxyClosed = errors.New("proxy is closed")
)

// Repository defines the persistence consumed by the proxy.
type Repository interface {
	domain.ResolutionRepository
	domain.LogRepository
	Close() error
}

var _ redirect.Host = (*Proxy)(nil)
var _ redirect.Notifier = (*Proxy)(nil)
var _ dnsoverride.Config = (*Proxy)(nil)

// Proxy orchestrates the martian proxy, the modifier pipeline, the redirection registry and
// the hostname resolution configuration.
type Proxy struct {
	martianProxy   *martian.Proxy
	ConfigDir      string                                   // The configuration directory
	Config         *Config                                  // Proxy configuration loaded through viper
	Repo           Repository                               // DB Repository Interface
	Modifiers      *fifo.Group                              // Modifier group pipeline
	DBWriteChannel chan *domain.Log                         // Notifications waiting to be persisted
	Logger         zerolog.Logger                           // Structured logger, scoped per component
	OnNotify       func(notification redirect.Notification) // Called for each notification, used by the UI
	Addr           string                                   // IP Address of the proxy
	Port           string                                   // Port of the proxy
	Cert           *x509.Certificate
	TLSConfig      *tls.Config
	SPKIHash       string
	Resolver       redirect.Resolver   // Forward lookups used when activating a rule
	Overrides      *dnsoverride.Store  // Temporary hostname overrides
	Registry       *redirect.Registry  // The single redirection slot

	listenersMu sync.RWMutex
	listeners   []redirect.MessageListener

	resolutionMu sync.RWMutex
	resolution   *dnsoverride.Document

	writerMu   sync.RWMutex
	writerDone chan struct{}
	closing    bool // Close has started, unload hooks may still notify
	closed     bool // DBWriteChannel is closed

	unloadMu    sync.Mutex
	unloadHooks []func() error

	pipelineReady bool
}

// New creates a Proxy, applies the options and wires the redirection registry.
// The registry is rolled back automatically on Close.
func New(options ...func(*Proxy) error) (*Proxy, error) {
	proxy := &Proxy{
		martianProxy:   martian.NewProxy(),
		Modifiers:      fifo.NewGroup(),
		DBWriteChannel: make(chan *domain.Log, 64),
		Logger:         zerolog.Nop(),
		Config:         defaultConfig(),
		resolution:     &dnsoverride.Document{},
	}
	if err := proxy.WithOptions(options...); err != nil {
		return nil, err
	}

	if !proxy.pipelineReady {
		if err := WithInterceptModifiers()(proxy); err != nil {
			return nil, err
		}
	}
	if proxy.Resolver == nil {
		proxy.Resolver = proxy.resolverFromConfig()
	}

	proxy.Overrides = dnsoverride.NewStore(proxy, proxy.Logger)
	proxy.Registry = redirect.NewRegistry(redirect.Dependencies{
		Host:      proxy,
		Resolver:  proxy.Resolver,
		Overrides: proxy.Overrides,
		Notifier:  proxy,
	}, proxy.Logger)
	proxy.OnUnload(proxy.Registry.Unload)

	if proxy.Repo != nil {
		proxy.writerDone = make(chan struct{})
		go proxy.WriteToDB()
	}
	return proxy, nil
}

func (proxy *Proxy) resolverFromConfig() redirect.Resolver {
	if proxy.Config == nil || proxy.Config.DNSUpstream == "" {
		return resolver.NewSystem()
	}
	return resolver.NewUpstream(proxy.Config.DNSUpstream, proxy.Config.DNSTimeout)
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (proxy *Proxy) AddRequestModifier(modifier RequestModifierFunc) {
	adapter := &reqAdapter{proxy: proxy, modifier: modifier}
	proxy.Modifiers.AddRequestModifier(adapter)
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (proxy *Proxy) AddResponseModifier(modifier ResponseModifierFunc) {
	adapter := &resAdapter{proxy: proxy, modifier: modifier}
	proxy.Modifiers.AddResponseModifier(adapter)
}

// AddListener registers a listener for every subsequent request and response.
func (proxy *Proxy) AddListener(l redirect.MessageListener) {
	proxy.listenersMu.Lock()
	defer proxy.listenersMu.Unlock()
	if slices.Contains(proxy.listeners, l) {
		return
	}
	proxy.listeners = append(proxy.listeners, l)
}

// RemoveListener unregisters a listener. Messages already being dispatched may still reach it.
func (proxy *Proxy) RemoveListener(l redirect.MessageListener) {
	proxy.listenersMu.Lock()
	defer proxy.listenersMu.Unlock()
	proxy.listeners = slices.DeleteFunc(proxy.listeners, func(other redirect.MessageListener) bool {
		return other == l
	})
}

// Listeners returns a snapshot of the registered listeners.
func (proxy *Proxy) Listeners() []redirect.MessageListener {
	proxy.listenersMu.RLock()
	defer proxy.listenersMu.RUnlock()
	return slices.Clone(proxy.listeners)
}

// dispatch delivers msg to every listener registered at the time of the call
func (proxy *Proxy) dispatch(direction redirect.Direction, msg redirect.Message) error {
	var errs []error
	for _, l := range proxy.Listeners() {
		if err := l.ProcessMessage(direction, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Toggle creates and activates a redirection rule, or removes the active one.
// It returns the id of the active rule or -1.
func (proxy *Proxy) Toggle(ctx context.Context, original, replacement redirect.RawTarget, rewriteHostHeader bool) (int, error) {
	return proxy.Registry.Toggle(ctx, original, replacement, rewriteHostHeader)
}

// Notify implements redirect.Notifier. The notification is logged, queued for the database
// and handed to OnNotify. It never blocks: when the write queue is full the entry is only logged.
func (proxy *Proxy) Notify(notification redirect.Notification) {
	event := proxy.Logger.Info()
	level := "INFO"
	if notification.Urgent {
		event = proxy.Logger.Warn()
		level = "WARN"
	}
	event.Str("scope", "NOTIFY").
		Str("source", notification.Source).
		Bool("urgent", notification.Urgent).
		Msg(strings.ReplaceAll(notification.Text, "\n", " "))

	options := []core.LogOption{core.LogWithSource(notification.Source)}
	if notification.Urgent {
		options = append(options, core.LogAsUrgent())
	}
	if err := proxy.WriteLog(level, notification.Text, options...); err != nil && !errors.Is(err, ErrRepoUndefined) {
		proxy.Logger.Debug().Err(err).Msg("notification not persisted")
	}

	if proxy.OnNotify != nil {
		proxy.OnNotify(notification)
	}
}

// WriteLog queues a log entry for the database writer.
func (proxy *Proxy) WriteLog(level string, message string, options ...core.LogOption) error {
	switch level {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return fmt.Errorf("level should be either: debug, info, warn, error, fatal")
	}
	if proxy.Repo == nil {
		return ErrRepoUndefined
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	log := &domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]any),
	}
	for _, option := range options {
		if err := option(log); err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}

	proxy.writerMu.RLock()
	defer proxy.writerMu.RUnlock()
	if proxy.closed {
		return ErrProxyClosed
	}
	select {
	case proxy.DBWriteChannel <- log:
		return nil
	default:
		return errors.New("log queue is full")
	}
}

// WriteToDB drains DBWriteChannel into the repository until the channel is closed.
func (proxy *Proxy) WriteToDB() {
	defer func() {
		if proxy.writerDone != nil {
			close(proxy.writerDone)
		}
	}()

	logger := proxy.Logger.With().Str("scope", "DB-WRITER").Logger()
	for log := range proxy.DBWriteChannel {
		if err := proxy.Repo.InsertLog(log); err != nil {
			logger.Error().Err(err).Str("id", log.ID.String()).Msg("inserting log")
		}
	}
}

// LoadHostnameResolution returns the serialized hostname resolution configuration.
func (proxy *Proxy) LoadHostnameResolution() ([]byte, error) {
	if proxy.Repo == nil {
		return nil, ErrRepoUndefined
	}
	blob, err := proxy.Repo.GetHostnameResolution()
	if err != nil {
		return nil, fmt.Errorf("loading hostname resolution : %w", err)
	}
	return blob, nil
}

// SaveHostnameResolution validates and stores a replacement configuration, then switches the
// dialer over to it. A blob that does not parse is rejected before anything is written.
func (proxy *Proxy) SaveHostnameResolution(blob []byte) error {
	if proxy.Repo == nil {
		return ErrRepoUndefined
	}
	doc, err := dnsoverride.ParseDocument(blob)
	if err != nil {
		return err
	}
	if err := proxy.Repo.SetHostnameResolution(blob); err != nil {
		return fmt.Errorf("saving hostname resolution : %w", err)
	}

	proxy.resolutionMu.Lock()
	proxy.resolution = doc
	proxy.resolutionMu.Unlock()
	return nil
}

// SyncHostnameResolution reloads the configuration from the repository into the dialer.
func (proxy *Proxy) SyncHostnameResolution() error {
	blob, err := proxy.LoadHostnameResolution()
	if err != nil {
		return err
	}
	doc, err := dnsoverride.ParseDocument(blob)
	if err != nil {
		return err
	}

	proxy.resolutionMu.Lock()
	proxy.resolution = doc
	proxy.resolutionMu.Unlock()
	return nil
}

// LookupOverride returns the address configured for host, if an enabled entry exists.
func (proxy *Proxy) LookupOverride(host string) (string, bool) {
	proxy.resolutionMu.RLock()
	defer proxy.resolutionMu.RUnlock()
	return proxy.resolution.Lookup(host)
}

// OnUnload registers a hook that runs when the proxy is closed. Hooks run in reverse order.
func (proxy *Proxy) OnUnload(hook func() error) {
	proxy.unloadMu.Lock()
	defer proxy.unloadMu.Unlock()
	proxy.unloadHooks = append(proxy.unloadHooks, hook)
}

// GetListener listens on address:port and wraps the listener so that plain and TLS clients
// share the port and accept errors do not stop the server.
func (proxy *Proxy) GetListener(address string, port string) (net.Listener, error) {
	rawListener, err := net.Listen("tcp", net.JoinHostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on address:port %s:%s : %w", address, port, err)
	}
	muxListener := listener.NewProtocolMuxListener(rawListener, proxy.TLSConfig)
	resilient := listener.NewResilientListener(muxListener, proxy.Logger)

	proxy.Addr = address
	proxy.Port = port
	proxy.Logger.Info().Str("scope", "PROXY").Str("addr", rawListener.Addr().String()).Msg("redirector service started")
	return resilient, nil
}

// Serve runs the proxy on l until it is closed.
func (proxy *Proxy) Serve(l net.Listener) error {
	proxy.martianProxy.SetRoundTripper(newRedirectorTransport(proxy.Cert, proxy.LookupOverride, proxy.Logger))
	return proxy.martianProxy.Serve(l)
}

// Close runs the unload hooks, stops the proxy, flushes pending notifications and closes
// the repository.
// Hook failures are logged and returned but never stop the shutdown.
func (proxy *Proxy) Close() error {
	proxy.writerMu.Lock()
	if proxy.closing {
		proxy.writerMu.Unlock()
		return ErrProxyClosed
	}
	proxy.closing = true
	proxy.writerMu.Unlock()

	proxy.unloadMu.Lock()
	hooks := proxy.unloadHooks
	proxy.unloadHooks = nil
	proxy.unloadMu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			proxy.Logger.Error().Str("scope", "PROXY").Err(err).Msg("unload hook failed")
			errs = append(errs, err)
		}
	}

	proxy.martianProxy.Close()

	proxy.writerMu.Lock()
	proxy.closed = true
	close(proxy.DBWriteChannel)
	proxy.writerMu.Unlock()

	if proxy.writerDone != nil {
		<-proxy.writerDone
	}
	if proxy.Repo != nil {
		if err := proxy.Repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
