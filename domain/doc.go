// Package domain defines the value types and repository contracts shared by the redirector.
// It contains the redirection Target, the hostname resolution entries that make up the
// connection configuration, and the persisted notification Log.
//
// The package has no dependency on the proxy, the database or the DNS layer. Implementations
// of the repository interfaces live in the db package; consumers depend only on the contracts.
package domain
