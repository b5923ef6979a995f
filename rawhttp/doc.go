// Package rawhttp holds the raw HTTP helpers the proxy uses to expose requests to
// redirection listeners: splitting a request's header section into lines, applying a
// rewritten header block back onto the request, and dumping responses for debug logs.
package rawhttp
