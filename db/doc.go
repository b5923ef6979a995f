// Package db persists the redirector's state in sqlite.
//
// The 'app' table holds the hostname resolution document that the proxy dials through and
// that temporary overrides are written into. The 'logs' table keeps every notification
// raised by the redirection rules. Schema changes live in migrations/ and are embedded and
// applied by New.
package db
