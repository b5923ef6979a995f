package redirect

import (
	"fmt"
	"sync/atomic"
)

// Listener is the per-rule message observer registered with the Host while its Rule is active.
type Listener struct {
	rule       *Rule
	registered atomic.Bool
}

// Registered reports whether the listener is currently registered with the Host.
func (l *Listener) Registered() bool {
	return l.registered.Load()
}

func (l *Listener) register() {
	if l.registered.Load() {
		return
	}
	l.rule.deps.Host.AddListener(l)
	l.registered.Store(true)
	l.rule.notify("Listener enabled", false)
}

func (l *Listener) unregister() {
	if !l.registered.Load() {
		return
	}
	l.rule.deps.Host.RemoveListener(l)
	l.registered.Store(false)
	l.rule.notify("Listener removed", false)
}

// ProcessMessage implements MessageListener. Requests to the original target are redirected,
// responses are only logged.
func (l *Listener) ProcessMessage(direction Direction, msg Message) error {
	if !l.rule.Active() || !l.registered.Load() {
		return nil
	}

	currentURL := msg.Service().URL()
	if direction == Response {
		l.rule.notify("<-----", false)
		l.rule.notify("< Incoming response from: "+currentURL, false)
		return nil
	}

	l.rule.notify("----->", false)
	l.rule.notify("> Incoming request to: "+currentURL, false)
	return l.redirect(msg)
}

func (l *Listener) redirect(msg Message) error {
	rule := l.rule
	rule.notify("> Matching against URL: "+rule.OriginalURL(), false)

	if !msg.Service().Equal(rule.original) {
		rule.notify("> Target not changed to "+rule.ReplacementURL(), false)
		return nil
	}

	msg.SetService(rule.replacement)
	rule.notify(fmt.Sprintf("> Target changed from %s to %s", rule.OriginalURL(), rule.ReplacementURL()), false)

	if rule.rewriteHostHeader {
		return l.rewriteHost(msg)
	}
	return nil
}

func (l *Listener) rewriteHost(msg Message) error {
	newHost := l.rule.replacement.Host
	lines, result := RewriteHostHeader(msg.HeaderLines(), newHost)

	switch result.Outcome {
	case HostUnchanged:
		l.rule.notify(fmt.Sprintf("Old host header is already set to %s, no change required", newHost), false)
		return nil
	case HostReplaced:
		l.rule.notify(fmt.Sprintf("> Host header changed from %s to %s", result.Previous, newHost), false)
	case HostInserted:
		l.rule.notify("> Existing host header not found. New host header set to "+newHost, false)
	}

	if err := msg.SetHeaderLines(lines); err != nil {
		return fmt.Errorf("rewriting host header : %w", err)
	}
	return nil
}
