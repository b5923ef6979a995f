package dnsoverride

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tfkr-ae/redirector/domain"
)

// ErrMalformedDocument is returned when the hostname resolution configuration cannot be parsed
var ErrMalformedDocument = errors.New("malformed hostname resolution document")

const (
	projectOptionsKey     = "project_options"
	connectionsKey        = "connections"
	hostnameResolutionKey = "hostname_resolution"
)

// Document is the connection configuration blob:
//
//	{"project_options":{"connections":{"hostname_resolution":[{"enabled":true,"hostname":"a","ip_address":"127.0.0.1"}]}}}
//
// Only the path down to hostname_resolution is decoded. Sibling keys at every level and
// unknown fields on existing entries are written back as they were read.
type Document struct {
	root        map[string]json.RawMessage
	options     map[string]json.RawMessage
	connections map[string]json.RawMessage
	rawEntries  []json.RawMessage
	entries     []domain.ResolutionEntry
}

// ParseDocument parses a serialized hostname resolution document.
// An empty blob yields an empty document.
func ParseDocument(blob []byte) (*Document, error) {
	doc := &Document{}
	if len(bytes.TrimSpace(blob)) > 0 {
		if err := json.Unmarshal(blob, &doc.root); err != nil {
			return nil, fmt.Errorf("%w : %w", ErrMalformedDocument, err)
		}
	}

	var err error
	if doc.options, err = objectAt(doc.root, projectOptionsKey); err != nil {
		return nil, err
	}
	if doc.connections, err = objectAt(doc.options, connectionsKey); err != nil {
		return nil, err
	}

	if raw, ok := doc.connections[hostnameResolutionKey]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &doc.rawEntries); err != nil {
			return nil, fmt.Errorf("%w : %s : %w", ErrMalformedDocument, hostnameResolutionKey, err)
		}
	}
	doc.entries = make([]domain.ResolutionEntry, 0, len(doc.rawEntries))
	for i, raw := range doc.rawEntries {
		var entry domain.ResolutionEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w : entry %d : %w", ErrMalformedDocument, i, err)
		}
		doc.entries = append(doc.entries, entry)
	}
	return doc, nil
}

// objectAt decodes the object stored under key in parent, or returns an empty object when
// the key is missing or null.
func objectAt(parent map[string]json.RawMessage, key string) (map[string]json.RawMessage, error) {
	object := make(map[string]json.RawMessage)
	raw, ok := parent[key]
	if !ok || isNull(raw) {
		return object, nil
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("%w : %s : %w", ErrMalformedDocument, key, err)
	}
	if object == nil {
		object = make(map[string]json.RawMessage)
	}
	return object, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Entries returns the resolution entries in document order.
func (doc *Document) Entries() []domain.ResolutionEntry {
	return slices.Clone(doc.entries)
}

// Prepend inserts entry at the head of the resolution list.
func (doc *Document) Prepend(entry domain.ResolutionEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling resolution entry : %w", err)
	}
	doc.rawEntries = slices.Insert(doc.rawEntries, 0, json.RawMessage(raw))
	doc.entries = slices.Insert(doc.entries, 0, entry)
	return nil
}

// Lookup returns the address of the first enabled entry for hostname.
func (doc *Document) Lookup(hostname string) (string, bool) {
	for _, entry := range doc.entries {
		if entry.Enabled && entry.Hostname == hostname {
			return entry.IPAddress, true
		}
	}
	return "", false
}

// Marshal serializes the document. An empty resolution list is written as [] rather than null.
func (doc *Document) Marshal() ([]byte, error) {
	entries := doc.rawEntries
	if entries == nil {
		entries = []json.RawMessage{}
	}

	connections, err := withKey(doc.connections, hostnameResolutionKey, entries)
	if err != nil {
		return nil, err
	}
	options, err := withKey(doc.options, connectionsKey, connections)
	if err != nil {
		return nil, err
	}
	root, err := withKey(doc.root, projectOptionsKey, options)
	if err != nil {
		return nil, err
	}

	blob, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshalling hostname resolution document : %w", err)
	}
	return blob, nil
}

// withKey returns a copy of object with value encoded under key.
func withKey(object map[string]json.RawMessage, key string, value any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s : %w", key, err)
	}
	out := make(map[string]json.RawMessage, len(object)+1)
	for k, v := range object {
		out[k] = v
	}
	out[key] = raw
	return out, nil
}
