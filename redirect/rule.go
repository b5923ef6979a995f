package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tfkr-ae/redirector/domain"
)

var (
	// ErrInvalidSpec is returned when a target has a blank host or a non numeric / out of range port
	ErrInvalidSpec = errors.New("invalid hostname and/or port settings")

	// ErrUnresolvableHost is returned when the replacement host does not resolve
	ErrUnresolvableHost = errors.New("hostname/ip appears to be invalid")

	// ErrConfigWrite is returned when the hostname resolution configuration rejects an override change
	ErrConfigWrite = errors.New("updating hostname resolution configuration")

	// ErrRuleActive is returned when activating a rule that is already active
	ErrRuleActive = errors.New("rule is already active")
)

// Rule redirects requests for its original target to its replacement target.
// Targets and the Host header option are fixed at construction, so the per-request path
// needs no locking. Activation and deactivation are serialized by mu.
type Rule struct {
	id                int
	original          domain.Target
	replacement       domain.Target
	rewriteHostHeader bool
	deps              Dependencies
	listener          *Listener

	mu           sync.Mutex
	active       atomic.Bool
	dnsCorrected atomic.Bool
}

// NewRule returns an inactive rule.
func NewRule(id int, original, replacement domain.Target, rewriteHostHeader bool, deps Dependencies) *Rule {
	rule := &Rule{
		id:                id,
		original:          original,
		replacement:       replacement,
		rewriteHostHeader: rewriteHostHeader,
		deps:              deps,
	}
	rule.listener = &Listener{rule: rule}
	return rule
}

func (r *Rule) ID() int                    { return r.id }
func (r *Rule) Original() domain.Target    { return r.original }
func (r *Rule) Replacement() domain.Target { return r.replacement }
func (r *Rule) RewritesHostHeader() bool   { return r.rewriteHostHeader }
func (r *Rule) Listener() *Listener        { return r.listener }
func (r *Rule) OriginalURL() string        { return r.original.URL() }
func (r *Rule) ReplacementURL() string     { return r.replacement.URL() }

// Active reports whether the listener is registered and any needed override is installed.
func (r *Rule) Active() bool {
	return r.active.Load()
}

// DNSCorrected reports whether the rule installed an override for its original host.
func (r *Rule) DNSCorrected() bool {
	return r.dnsCorrected.Load()
}

// Toggle activates an inactive rule or deactivates an active one and returns the new state.
func (r *Rule) Toggle(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() {
		return false, r.deactivateLocked()
	}

	if err := r.activateLocked(ctx); err != nil {
		if errors.Is(err, ErrConfigWrite) {
			r.notify(fmt.Sprintf("Could not apply the hostname resolution override: %v", err), true)
		} else {
			r.notify("Invalid hostname and/or port settings.", true)
		}
		return false, err
	}
	return true, nil
}

// Activate validates the targets, resolves the DNS correction and registers the listener.
// On error the rule stays inactive.
func (r *Rule) Activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activateLocked(ctx)
}

// Deactivate removes any override for the original host and unregisters the listener.
// The rule is inactive afterwards even when the override removal fails.
func (r *Rule) Deactivate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivateLocked()
}

func (r *Rule) activateLocked(ctx context.Context) error {
	if r.active.Load() {
		return ErrRuleActive
	}

	if err := ValidateTarget(r.original); err != nil {
		return fmt.Errorf("original target : %w", err)
	}
	if err := ValidateTarget(r.replacement); err != nil {
		return fmt.Errorf("replacement target : %w", err)
	}

	if !r.resolves(ctx, r.replacement.Host, true) {
		return fmt.Errorf("%w : %s", ErrUnresolvableHost, r.replacement.Host)
	}

	if err := r.correctDNS(ctx); err != nil {
		return fmt.Errorf("%w : %w", ErrConfigWrite, err)
	}

	r.listener.register()
	r.active.Store(true)
	r.notify(fmt.Sprintf("Redirection Activated for:\n%s\nto:\n%s", r.OriginalURL(), r.ReplacementURL()), true)
	return nil
}

func (r *Rule) deactivateLocked() error {
	if !r.active.Load() {
		return nil
	}

	var err error
	host := r.original.Host
	if r.deps.Overrides.Contains(host) {
		if removeErr := r.deps.Overrides.Remove(host); removeErr != nil {
			err = fmt.Errorf("%w : %w", ErrConfigWrite, removeErr)
		}
	}

	r.listener.unregister()
	r.active.Store(false)
	r.dnsCorrected.Store(false)
	return err
}

// correctDNS installs an override for an unresolvable original host, or clears a stale one
// once the host resolves again.
func (r *Rule) correctDNS(ctx context.Context) error {
	host := r.original.Host

	if !r.resolves(ctx, host, false) {
		if !r.deps.Overrides.Contains(host) {
			if err := r.deps.Overrides.Add(host); err != nil {
				return err
			}
		}
		r.dnsCorrected.Store(true)
		r.notify(fmt.Sprintf("Hostname/IP \"%s\" appears to be invalid.\n\n"+
			"An entry will be added to\nHostname Resolution\n"+
			"to allow invalid hostname redirection.", host), true)
		return nil
	}

	if r.deps.Overrides.Contains(host) {
		if err := r.deps.Overrides.Remove(host); err != nil {
			return err
		}
	}
	r.dnsCorrected.Store(false)
	return nil
}

func (r *Rule) resolves(ctx context.Context, host string, urgent bool) bool {
	if _, err := r.deps.Resolver.LookupHost(ctx, host); err != nil {
		r.notify(fmt.Sprintf("Hostname/IP \"%s\" appears to be invalid.", host), urgent)
		return false
	}
	return true
}

func (r *Rule) notify(text string, urgent bool) {
	if r.deps.Notifier == nil {
		return
	}
	r.deps.Notifier.Notify(Notification{
		Source: fmt.Sprintf("Redirector#%d", r.id),
		Text:   text,
		Urgent: urgent,
	})
}
