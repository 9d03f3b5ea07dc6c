package retry

import "strings"

// Category buckets a failure by its likely cause. Each category fixes whether
// the failure is worth retrying, whether it indicates the HTTP/2 transport is
// misbehaving, and how much to stretch the backoff delay when it repeats.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryHTTP2
	CategoryNetwork
	CategoryTimeout
	CategoryAuth
	CategoryRepository
	CategoryStorage
	CategorySSL
)

func (c Category) String() string {
	switch c {
	case CategoryHTTP2:
		return "http2"
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryAuth:
		return "auth"
	case CategoryRepository:
		return "repository"
	case CategoryStorage:
		return "storage"
	case CategorySSL:
		return "ssl"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt can reasonably succeed.
func (c Category) Retryable() bool {
	switch c {
	case CategoryHTTP2, CategoryNetwork, CategoryTimeout, CategoryUnknown:
		return true
	default:
		return false
	}
}

// SuggestsHTTP1Fallback reports whether the failure pattern is one that
// forcing git down to HTTP/1.1 is known to work around.
func (c Category) SuggestsHTTP1Fallback() bool {
	return c == CategoryHTTP2 || c == CategoryNetwork
}

// DelayMultiplier stretches the backoff delay when the same category fails
// repeatedly.
func (c Category) DelayMultiplier() float64 {
	switch c {
	case CategoryTimeout:
		return 1.5
	case CategoryNetwork:
		return 2.0
	default:
		return 1.0
	}
}

type rule struct {
	patterns []string
	category Category
}

// Rules are ordered: the first match wins. All matching is case-insensitive
// substring matching against the error text.
var classifyRules = []rule{
	{[]string{"http/2", "http2", "curl 92", "curl 16"}, CategoryHTTP2},
	{[]string{"timeout", "timed out"}, CategoryTimeout},
	{[]string{
		"connection reset", "connection refused", "connection timed out",
		"network is unreachable", "host is unreachable", "recv failure",
		"could not resolve host", "name or service not known",
		"temporary failure in name resolution",
	}, CategoryNetwork},
	{[]string{
		"authentication failed", "permission denied", "access denied",
		"invalid credentials", "bad credentials",
	}, CategoryAuth},
	{[]string{
		"ssl certificate", "certificate problem", "certificate verify",
		"local issuer certificate", "tls",
	}, CategorySSL},
	{[]string{"no space left", "disk quota", "cannot allocate", "out of memory"}, CategoryStorage},
	{[]string{"repository is empty", "remote head", "nonexistent ref", "invalid ref"}, CategoryRepository},
	{[]string{"early eof", "unexpected disconnect", "fetch-pack"}, CategoryHTTP2},
}

// Classify maps an error message to a Category using the ordered rule table.
func Classify(message string) Category {
	return ClassifyOperation(message, false)
}

// ClassifyOperation is Classify with knowledge of whether the failing
// operation was an initial clone. "repository not found" during a clone is
// usually a propagation delay or rename rather than an auth problem, so it
// stays retryable there; during an update it means credentials or access.
func ClassifyOperation(message string, cloning bool) Category {
	lower := strings.ToLower(message)

	// An HTTP/2 stream cancellation does not always carry the protocol name.
	if strings.Contains(lower, "stream") && strings.Contains(lower, "cancel") {
		return CategoryHTTP2
	}

	for _, r := range classifyRules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
		if r.category == CategoryAuth && !cloning && strings.Contains(lower, "repository not found") {
			return CategoryAuth
		}
	}
	return CategoryUnknown
}
