// Package redirect implements the traffic redirection core: matching outbound requests against
// an original target, rewriting their destination to a replacement target, optionally correcting
// the Host header, and keeping a temporary hostname override installed while the original
// hostname does not resolve.
//
// A Registry owns at most one Rule. Activating a Rule validates both targets, resolves the
// replacement, installs a DNS override for an unresolvable original and registers the Rule's
// Listener with the Host proxy. The Host then delivers every request and response to the Listener,
// possibly from many goroutines at once; the per-message path reads only immutable Rule state.
package redirect

import (
	"context"

	"github.com/tfkr-ae/redirector/domain"
)

// Direction tags a message delivered to a MessageListener.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// Message is the mutable view of an in-flight HTTP exchange exposed by the Host.
type Message interface {
	// Service returns the destination the proxy will connect to.
	Service() domain.Target
	// SetService replaces the destination without touching the request line or body.
	SetService(target domain.Target)
	// HeaderLines returns the header section, request line first.
	HeaderLines() []string
	// SetHeaderLines replaces the header section, preserving the body byte for byte.
	SetHeaderLines(lines []string) error
}

// MessageListener observes messages processed by the Host.
type MessageListener interface {
	ProcessMessage(direction Direction, msg Message) error
}

// Host is the intercepting proxy listeners are registered with.
type Host interface {
	AddListener(listener MessageListener)
	RemoveListener(listener MessageListener)
}

// Resolver performs forward lookups.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// OverrideStore installs and removes temporary hostname overrides.
type OverrideStore interface {
	Add(host string) error
	Remove(host string) error
	RemoveAll() error
	Contains(host string) bool
}

// Notification is a one-way message for the UI and the log.
type Notification struct {
	Source string // "Redirector" or "Redirector#<id>"
	Text   string
	Urgent bool // Surfaced as a blocking alert by the UI
}

// Notifier receives notifications. Implementations must not block on acknowledgement.
type Notifier interface {
	Notify(notification Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(notification Notification)

// Notify calls f(notification).
func (f NotifierFunc) Notify(notification Notification) {
	f(notification)
}

// Dependencies are the collaborators injected into a Rule and a Registry.
type Dependencies struct {
	Host      Host
	Resolver  Resolver
	Overrides OverrideStore
	Notifier  Notifier
}
