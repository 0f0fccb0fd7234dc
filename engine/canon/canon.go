// Package canon implements the deterministic log-canonicalization rules
// that turn a raw journal message into a stable template skeleton. It is a
// pure function of (message, version): no I/O, no mutable state beyond the
// package-init compiled regexes.
package canon

import (
	"regexp"
	"strings"
)

// Version identifies a fixed, ordered rule set. Any change to the rules or
// their ordering requires a new version; older templates remain valid under
// their stored version.
type Version string

// V1 is the current rule set.
const V1 Version = "v1"

// skeletonRule matches a known structured-log shape and projects it onto a
// stable skeleton, dropping the volatile values it captures.
type skeletonRule struct {
	name    string
	match   *regexp.Regexp
	project func([]string) string
}

// Rule 1: known structured-log prefixes, checked in order, most specific
// first. Each rule keeps the field names and drops the values.
var skeletonRules = []skeletonRule{
	{
		name:  "firewall_block",
		match: regexp.MustCompile(`(?i)^(\S+\s+)?kernel:\s*\[?.*?\]?\s*(IN=\S*\s+OUT=\S*.*?SRC=\S+\s+DST=\S+.*?PROTO=\S+)`),
		project: func(m []string) string {
			return "kernel: " + fieldSkeleton(m[2])
		},
	},
	{
		name:  "session_auth",
		match: regexp.MustCompile(`(?i)^(session (opened|closed)) for user \S+`),
		project: func(m []string) string {
			return m[1] + " for user <USER>"
		},
	},
	{
		name:  "cron_line",
		match: regexp.MustCompile(`(?i)^\(CRON\)\s+(\S+)\s*\(.*\)`),
		project: func(m []string) string {
			return "(CRON) " + m[1] + " (<CMD>)"
		},
	},
	{
		name:  "batch_progress",
		match: regexp.MustCompile(`(?i)^(processed|completed|finished)\s+\d+(/\d+)?\s+(items?|records?|jobs?|tasks?)`),
		project: func(m []string) string {
			return m[1] + " <N> " + m[3]
		},
	},
	{
		name:  "api_request",
		match: regexp.MustCompile(`(?i)^(\S+ "(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS) \S+ HTTP/\S+")\s+\d{3}\s+\d+`),
		project: func(m []string) string {
			return requestSkeleton(m[1]) + " <STATUS> <N>"
		},
	},
}

var keyValuePattern = regexp.MustCompile(`(\w+)=(\S+)`)

// fieldSkeleton keeps KEY= for every key=value pair and drops the value.
func fieldSkeleton(s string) string {
	return keyValuePattern.ReplaceAllString(s, "$1=<V>")
}

var quotedRequestLine = regexp.MustCompile(`"(?:GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS) \S+ HTTP/\S+"`)

func requestSkeleton(s string) string {
	return quotedRequestLine.ReplaceAllStringFunc(s, func(m string) string {
		parts := strings.Fields(strings.Trim(m, `"`))
		if len(parts) >= 1 {
			return `"` + parts[0] + ` <PATH> HTTP/<VER>"`
		}
		return m
	})
}

// Rule 2: generic token substitutions, specific before generic.
var (
	isoTimestampPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\b`)
	uuidPattern          = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	macPattern           = regexp.MustCompile(`\b([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}\b`)
	ipv6Pattern          = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	ipv4Pattern          = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	longHexPattern       = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{12,}\b`)
	pidPattern           = regexp.MustCompile(`\bpid=\d+\b`)
	durationPattern      = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|us|ns|m|h)\b`)
	largeIntPattern      = regexp.MustCompile(`\b\d{4,}\b`)
)

func genericSubstitutions(s string) string {
	// MAC/IPv6 before long-hex so colon-separated runs aren't eaten as hex first.
	s = macPattern.ReplaceAllString(s, "<MAC>")
	s = ipv6Pattern.ReplaceAllString(s, "<IPV6>")
	s = ipv4Pattern.ReplaceAllString(s, "<IPV4>")
	s = isoTimestampPattern.ReplaceAllString(s, "<TS>")
	s = uuidPattern.ReplaceAllString(s, "<UUID>")
	s = pidPattern.ReplaceAllString(s, "pid=<PID>")
	s = durationPattern.ReplaceAllString(s, "<DUR>")
	s = longHexPattern.ReplaceAllString(s, "<HEX>")
	s = largeIntPattern.ReplaceAllString(s, "<N>")
	return s
}

// Rule 3: path hygiene — user-scoped home directories collapse to a
// stable prefix, keeping the remainder.
var homeDirPattern = regexp.MustCompile(`/home/[^/\s]+`)

func pathHygiene(s string) string {
	return homeDirPattern.ReplaceAllString(s, "/home/<USER>")
}

// whitespacePattern collapses runs of whitespace (rule 4).
var whitespacePattern = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Canonicalize applies the rule set for version to message, returning a
// stable, compressible skeleton. Pure and deterministic: the same
// (message, version) pair always yields byte-identical output, and
// re-applying Canonicalize to its own output is a no-op.
func Canonicalize(message string, version Version) string {
	switch version {
	case V1:
		return canonicalizeV1(message)
	default:
		return canonicalizeV1(message)
	}
}

func canonicalizeV1(message string) string {
	s := collapseWhitespace(message)

	for _, rule := range skeletonRules {
		if m := rule.match.FindStringSubmatch(s); m != nil {
			s = rule.project(m)
			return collapseWhitespace(genericSubstitutions(pathHygiene(s)))
		}
	}

	s = genericSubstitutions(s)
	s = pathHygiene(s)
	return collapseWhitespace(s)
}
