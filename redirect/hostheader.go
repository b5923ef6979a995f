package redirect

import (
	"regexp"
	"slices"
)

// hostLinePattern matches a single header line, one optional whitespace after the colon.
var hostLinePattern = regexp.MustCompile(`(?i)^Host:\s?(.*)$`)

// HostOutcome describes what RewriteHostHeader did.
type HostOutcome int

const (
	HostUnchanged HostOutcome = iota // The first Host line already carried the replacement host
	HostReplaced                     // The first Host line was replaced
	HostInserted                     // No Host line existed, one was inserted after the request line
)

// HostRewrite is the result of RewriteHostHeader.
type HostRewrite struct {
	Outcome  HostOutcome
	Previous string // Value of the replaced Host line
}

// RewriteHostHeader points the Host header of a header block at host.
// Only the first Host line is considered; all other lines are copied unchanged.
// When no Host line exists one is inserted at index 1, directly after the request line.
func RewriteHostHeader(lines []string, host string) ([]string, HostRewrite) {
	newHeader := "Host: " + host

	for i, line := range lines {
		match := hostLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		if match[1] == host {
			return slices.Clone(lines), HostRewrite{Outcome: HostUnchanged, Previous: match[1]}
		}

		rewritten := slices.Clone(lines)
		rewritten[i] = newHeader
		return rewritten, HostRewrite{Outcome: HostReplaced, Previous: match[1]}
	}

	rewritten := slices.Insert(slices.Clone(lines), min(1, len(lines)), newHeader)
	return rewritten, HostRewrite{Outcome: HostInserted}
}
