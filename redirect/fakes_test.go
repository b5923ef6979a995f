package redirect

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/tfkr-ae/redirector/domain"
)

var forcedErr = errors.New("forced error")

type fakeHost struct {
	mu        sync.Mutex
	listeners []MessageListener
	adds      int
	removes   int
}

func (h *fakeHost) AddListener(l MessageListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adds++
	h.listeners = append(h.listeners, l)
}

func (h *fakeHost) RemoveListener(l MessageListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removes++
	h.listeners = slices.DeleteFunc(h.listeners, func(other MessageListener) bool { return other == l })
}

func (h *fakeHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// dispatch mimics the proxy delivering a message to every registered listener
func (h *fakeHost) dispatch(direction Direction, msg Message) error {
	h.mu.Lock()
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	for _, l := range listeners {
		if err := l.ProcessMessage(direction, msg); err != nil {
			return err
		}
	}
	return nil
}

// fakeResolver resolves IP literals and the hosts in known
type fakeResolver struct {
	mu    sync.Mutex
	known map[string]bool
}

func newFakeResolver(hosts ...string) *fakeResolver {
	known := make(map[string]bool)
	for _, h := range hosts {
		known[h] = true
	}
	return &fakeResolver{known: known}
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known[host] {
		return []string{"192.0.2.1"}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (r *fakeResolver) set(host string, resolvable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[host] = resolvable
}

type fakeOverrides struct {
	mu        sync.Mutex
	hosts     []string
	addErr    error
	removeErr error
}

func (o *fakeOverrides) Add(host string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.addErr != nil {
		return o.addErr
	}
	o.hosts = append(o.hosts, host)
	return nil
}

func (o *fakeOverrides) Remove(host string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removeErr != nil {
		return o.removeErr
	}
	if i := slices.Index(o.hosts, host); i >= 0 {
		o.hosts = slices.Delete(o.hosts, i, i+1)
	}
	return nil
}

func (o *fakeOverrides) RemoveAll() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hosts = nil
	return o.removeErr
}

func (o *fakeOverrides) Contains(host string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Contains(o.hosts, host)
}

func (o *fakeOverrides) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.hosts)
}

type recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, 0, len(r.notifications))
	for _, n := range r.notifications {
		texts = append(texts, n.Text)
	}
	return texts
}

func (r *recorder) has(text string) bool {
	return slices.Contains(r.texts(), text)
}

func (r *recorder) urgent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var urgent []Notification
	for _, n := range r.notifications {
		if n.Urgent {
			urgent = append(urgent, n)
		}
	}
	return urgent
}

// fakeMessage is an in-memory request
type fakeMessage struct {
	mu      sync.Mutex
	service domain.Target
	lines   []string
	setErr  error
}

func newFakeMessage(target domain.Target, lines ...string) *fakeMessage {
	return &fakeMessage{service: target, lines: lines}
}

func (m *fakeMessage) Service() domain.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.service
}

func (m *fakeMessage) SetService(target domain.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.service = target
}

func (m *fakeMessage) HeaderLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lines)
}

func (m *fakeMessage) SetHeaderLines(lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.lines = slices.Clone(lines)
	return nil
}

type fixture struct {
	host      *fakeHost
	resolver  *fakeResolver
	overrides *fakeOverrides
	notes     *recorder
}

func newFixture(resolvable ...string) *fixture {
	return &fixture{
		host:      &fakeHost{},
		resolver:  newFakeResolver(resolvable...),
		overrides: &fakeOverrides{},
		notes:     &recorder{},
	}
}

func (f *fixture) deps() Dependencies {
	return Dependencies{
		Host:      f.host,
		Resolver:  f.resolver,
		Overrides: f.overrides,
		Notifier:  f.notes,
	}
}

func target(scheme domain.Scheme, host string, port int) domain.Target {
	return domain.Target{Scheme: scheme, Host: host, Port: port}
}

func raw(host string, port int, https bool) RawTarget {
	return RawTarget{Host: host, Port: strconv.Itoa(port), HTTPS: https}
}
