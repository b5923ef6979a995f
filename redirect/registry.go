package redirect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoRule is returned when removing from an empty registry
var ErrNoRule = errors.New("no redirection rule exists")

// Registry owns zero or one Rule. Toggling an empty registry creates and activates a rule,
// toggling an occupied one deactivates and drops it.
type Registry struct {
	mu     sync.Mutex
	rule   *Rule
	deps   Dependencies
	logger zerolog.Logger
}

// NewRegistry returns an empty registry whose rules use deps.
func NewRegistry(deps Dependencies, logger zerolog.Logger) *Registry {
	return &Registry{
		deps:   deps,
		logger: logger.With().Str("scope", "REGISTRY").Logger(),
	}
}

// Rule returns the current rule, if any.
func (reg *Registry) Rule() (*Rule, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rule, reg.rule != nil
}

// Toggle creates and activates a rule from the given input when the registry is empty, or
// deactivates and removes the existing rule otherwise. The input is ignored in the latter case.
// It returns the id of the active rule, or -1 when no rule is active afterwards.
func (reg *Registry) Toggle(ctx context.Context, original, replacement RawTarget, rewriteHostHeader bool) (int, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rule == nil {
		rule, err := reg.newRule(original, replacement, rewriteHostHeader)
		if err != nil {
			reg.notify("Invalid hostname and/or port settings.", true)
			return -1, err
		}
		reg.rule = rule
		reg.notify(fmt.Sprintf("Initialising new redirector #%d (total 1)", rule.ID()), false)
	}

	rule := reg.rule
	active, err := rule.Toggle(ctx)
	if !active {
		reg.rule = nil
		reg.notify(fmt.Sprintf("Removed redirector #%d (new total 0)", rule.ID()), false)
		if err != nil {
			reg.logger.Warn().Err(err).Int("rule", rule.ID()).Msg("toggle left no active rule")
		}
		return -1, err
	}
	return rule.ID(), nil
}

// Remove deactivates and drops the current rule.
func (reg *Registry) Remove() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rule == nil {
		return ErrNoRule
	}
	rule := reg.rule
	reg.rule = nil
	err := rule.Deactivate()
	reg.notify(fmt.Sprintf("Removed redirector #%d (new total 0)", rule.ID()), false)
	return err
}

// Unload deactivates the current rule and rolls back every hostname override. It is called
// when the host proxy shuts down; failures are logged and returned but never panic.
func (reg *Registry) Unload() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var errs []error
	if reg.rule != nil {
		if err := reg.rule.Deactivate(); err != nil {
			reg.logger.Warn().Err(err).Int("rule", reg.rule.ID()).Msg("deactivating rule on unload")
			errs = append(errs, err)
		}
		reg.rule = nil
	}

	if err := reg.deps.Overrides.RemoveAll(); err != nil {
		reg.logger.Error().Err(err).Msg("rolling back hostname overrides on unload")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (reg *Registry) newRule(original, replacement RawTarget, rewriteHostHeader bool) (*Rule, error) {
	originalTarget, err := ParseTarget(original)
	if err != nil {
		return nil, fmt.Errorf("original target : %w", err)
	}
	replacementTarget, err := ParseTarget(replacement)
	if err != nil {
		return nil, fmt.Errorf("replacement target : %w", err)
	}
	// single slot, so the index is always 0
	return NewRule(0, originalTarget, replacementTarget, rewriteHostHeader, reg.deps), nil
}

func (reg *Registry) notify(text string, urgent bool) {
	if reg.deps.Notifier == nil {
		return
	}
	reg.deps.Notifier.Notify(Notification{Source: "Redirector", Text: text, Urgent: urgent})
}
