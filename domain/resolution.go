package domain

// ResolutionRepository defines the interface for the connection configuration that holds
// hostname resolution overrides. The configuration is exchanged as a serialized document so
// that callers can snapshot it and restore it verbatim.
type ResolutionRepository interface {
	// GetHostnameResolution returns the serialized hostname resolution document.
	GetHostnameResolution() ([]byte, error)

	// SetHostnameResolution replaces the stored document with blob in a single write.
	SetHostnameResolution(blob []byte) error
}

// ResolutionEntry maps a hostname to a fixed IP address, bypassing DNS for that hostname.
type ResolutionEntry struct {
	Enabled   bool   `json:"enabled"`    // Disabled entries are kept but ignored when dialing.
	Hostname  string `json:"hostname"`   // Hostname to override.
	IPAddress string `json:"ip_address"` // Address the hostname resolves to while enabled.
}
