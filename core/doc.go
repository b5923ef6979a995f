// Package core holds the request context keys shared by the proxy modifiers and the
// options applied to notification log entries.
package core
