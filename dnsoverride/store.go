// Package dnsoverride manages temporary hostname overrides layered on top of the proxy's
// hostname resolution configuration.
//
// The first override snapshots the pristine configuration. Removing a host restores that
// snapshot and replays the remaining hosts in insertion order, so the configuration is
// always recoverable while any override is installed.
package dnsoverride

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/redirector/domain"
)

// LoopbackAddress is the address every overridden hostname resolves to.
const LoopbackAddress = "127.0.0.1"

// Config reads and writes the live hostname resolution configuration.
type Config interface {
	LoadHostnameResolution() ([]byte, error)
	SaveHostnameResolution(blob []byte) error
}

// Store tracks the overrides it installed and the configuration snapshot taken before the first one.
type Store struct {
	mu        sync.Mutex
	config    Config
	logger    zerolog.Logger
	backup    []byte
	hasBackup bool
	hosts     []string
}

// NewStore returns a Store that installs overrides into config.
func NewStore(config Config, logger zerolog.Logger) *Store {
	return &Store{
		config: config,
		logger: logger.With().Str("scope", "DNS-OVERRIDE").Logger(),
	}
}

// Add installs a loopback resolution entry for host. The configuration it replaced is
// kept as the snapshot if no snapshot exists.
func (s *Store) Add(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(host)
}

func (s *Store) addLocked(host string) error {
	current, err := s.config.LoadHostnameResolution()
	if err != nil {
		return fmt.Errorf("loading hostname resolution : %w", err)
	}

	doc, err := ParseDocument(current)
	if err != nil {
		return err
	}
	err = doc.Prepend(domain.ResolutionEntry{
		Enabled:   true,
		Hostname:  host,
		IPAddress: LoopbackAddress,
	})
	if err != nil {
		return err
	}

	blob, err := doc.Marshal()
	if err != nil {
		return err
	}
	if err := s.config.SaveHostnameResolution(blob); err != nil {
		return fmt.Errorf("saving hostname resolution override for %s : %w", host, err)
	}

	if !s.hasBackup {
		s.backup = slices.Clone(current)
		s.hasBackup = true
	}
	s.hosts = append(s.hosts, host)
	s.logger.Debug().Str("host", host).Int("overrides", len(s.hosts)).Msg("override installed")
	return nil
}

// Remove rolls the configuration back to the snapshot and replays every remaining override
// in insertion order. The snapshot is discarded once no overrides remain.
func (s *Store) Remove(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasBackup {
		if err := s.config.SaveHostnameResolution(s.backup); err != nil {
			return fmt.Errorf("restoring hostname resolution snapshot : %w", err)
		}
	}

	if i := slices.Index(s.hosts, host); i >= 0 {
		s.hosts = slices.Delete(s.hosts, i, i+1)
	}

	remaining := s.hosts
	s.hosts = nil
	for _, h := range remaining {
		if err := s.addLocked(h); err != nil {
			return fmt.Errorf("replaying override for %s : %w", h, err)
		}
	}

	if len(s.hosts) == 0 {
		s.backup = nil
		s.hasBackup = false
	}
	s.logger.Debug().Str("host", host).Int("overrides", len(s.hosts)).Msg("override removed")
	return nil
}

// RemoveAll restores the snapshot and forgets every override. It is used while the proxy
// unloads, so a failed restore is logged and returned but the tracked state is cleared anyway.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.hasBackup {
		if err = s.config.SaveHostnameResolution(s.backup); err != nil {
			err = fmt.Errorf("restoring hostname resolution snapshot : %w", err)
			s.logger.Error().Err(err).Strs("hosts", s.hosts).Msg("overrides may persist")
		}
	}

	s.hosts = nil
	s.backup = nil
	s.hasBackup = false
	return err
}

// Contains reports whether an override for host is installed.
func (s *Store) Contains(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.hosts, host)
}

// Hosts returns the overridden hosts in insertion order.
func (s *Store) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.hosts)
}

// HasSnapshot reports whether a pristine configuration snapshot is held.
func (s *Store) HasSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBackup
}
