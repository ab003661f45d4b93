package recovery

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category is an error classification.
type Category string

const (
	Network    Category = "network"
	RateLimit  Category = "rate_limit"
	Resource   Category = "resource"
	Syntax     Category = "syntax"
	Permission Category = "permission"
	External   Category = "external"
	Timeout    Category = "timeout"
	Validation Category = "validation"
	Unknown    Category = "unknown"
)

// Categories returns every category in classification order, unknown last.
func Categories() []Category {
	return []Category{Network, RateLimit, Resource, Syntax, Permission, External, Timeout, Validation, Unknown}
}

type rule struct {
	category Category
	pattern  *regexp.Regexp
}

// First match wins, so broad patterns (timeout, validation) come last.
var rules = []rule{
	{Network, regexp.MustCompile(`(?i)ETIMEDOUT|ECONNRESET|ECONNREFUSED|ENOTFOUND|EHOSTUNREACH|connection refused|connection reset|no such host`)},
	{RateLimit, regexp.MustCompile(`(?i)\b429\b|rate.?limit|too many requests|quota exceeded`)},
	{Resource, regexp.MustCompile(`(?i)EBUSY|index\.lock|resource busy|ENOSPC|No space left|disk full|ENOMEM|out of memory`)},
	{Syntax, regexp.MustCompile(`(?i)SyntaxError|Unexpected token|Parse error|syntax error`)},
	{Permission, regexp.MustCompile(`(?i)EACCES|EPERM|permission denied|access denied|\b401\b|Unauthorized|\b403\b|Forbidden`)},
	{External, regexp.MustCompile(`(?i)\b50[23]\b|Service unavailable|Bad gateway`)},
	{Timeout, regexp.MustCompile(`(?i)timeout|timed? ?out|deadline exceeded`)},
	{Validation, regexp.MustCompile(`(?i)TypeError|TS\d{4}|AssertionError|Test failed|--- FAIL`)},
}

// Classify returns the category of a failure. The message is matched first;
// when nothing matches and source names a category (a coordinator reporting
// "timeout", for instance) that category is used. Otherwise unknown.
func Classify(message, source string) Category {
	for _, r := range rules {
		if r.pattern.MatchString(message) {
			return r.category
		}
	}
	src := Category(strings.ToLower(strings.TrimSpace(source)))
	for _, c := range Categories() {
		if c == src {
			return c
		}
	}
	return Unknown
}

var retryAfterPattern = regexp.MustCompile(
	`(?i)(?:retry[- _]after|try again in|retry in)\D{0,3}(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?\b`)

// ParseRetryAfter extracts a server-provided delay such as "Retry-After: 30"
// or "try again in 1.5s". Bare numbers are seconds.
func ParseRetryAfter(message string) (time.Duration, bool) {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n < 0 {
		return 0, false
	}
	unit := time.Second
	switch u := strings.ToLower(m[2]); {
	case strings.HasPrefix(u, "ms"), strings.HasPrefix(u, "milli"):
		unit = time.Millisecond
	case strings.HasPrefix(u, "m"):
		unit = time.Minute
	}
	return time.Duration(n * float64(unit)), true
}

// Remediation lists operator-facing actions for a failure. Every category
// yields at least one action.
func Remediation(category Category, message string) []string {
	var actions []string
	switch category {
	case Network:
		actions = append(actions, "check network connectivity and DNS resolution for the failing endpoint")
	case RateLimit:
		actions = append(actions, "wait for the rate limit window to reset or lower agents.spawn_rate")
	case Resource:
		if strings.Contains(message, "index.lock") {
			actions = append(actions, "remove the stale lock: rm -f .git/index.lock")
		}
		actions = append(actions, "free disk space or memory, or stop competing processes")
	case Syntax:
		actions = append(actions, "fix the syntax error reported in the raw evidence")
	case Permission:
		actions = append(actions, "grant the required file permissions or refresh credentials")
	case External:
		actions = append(actions, "check the upstream service status; dependent work stays blocked until it recovers")
	case Timeout:
		actions = append(actions, "raise the gate or agent timeout, or split the task into smaller items")
	case Validation:
		actions = append(actions, "fix the failing type check or assertion shown in the raw evidence")
	default:
		actions = append(actions, "inspect the raw evidence and retry manually")
	}
	if missingModule.MatchString(message) {
		actions = append(actions, "install the missing dependency with the project's package manager")
	}
	return actions
}

var missingModule = regexp.MustCompile(`MODULE_NOT_FOUND|Cannot find module|No module named|ImportError|cannot find package`)
