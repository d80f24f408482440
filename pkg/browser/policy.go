package browser

import (
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// Policy describes the launch-time behavior of a browser instance.
// Two contexts can share an instance only when their policies are
// equal. Domain lists hold hostnames or glob patterns such as
// "*.example.com".
type Policy struct {
	AllowedDomains []string
	BlockedDomains []string
	Headless       bool
}

// Equal reports whether two policies are interchangeable for
// instance reuse. Domain list order is irrelevant.
func (p Policy) Equal(other Policy) bool {
	if p.Headless != other.Headless {
		return false
	}
	return equalFold(p.AllowedDomains, other.AllowedDomains) &&
		equalFold(p.BlockedDomains, other.BlockedDomains)
}

func equalFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := normalize(a)
	bs := normalize(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func normalize(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	sort.Strings(out)
	return out
}

// PolicyMatcher evaluates URLs against a compiled policy. The allow
// list is consulted first: when non-empty, any host not on it is
// rejected. The block list is applied on top either way.
type PolicyMatcher struct {
	policy  Policy
	allowed []glob.Glob
	blocked []glob.Glob
}

// NewPolicyMatcher compiles the policy's domain patterns.
func NewPolicyMatcher(policy Policy) (*PolicyMatcher, error) {
	allowed, err := compilePatterns(policy.AllowedDomains)
	if err != nil {
		return nil, err
	}
	blocked, err := compilePatterns(policy.BlockedDomains)
	if err != nil {
		return nil, err
	}
	return &PolicyMatcher{policy: policy, allowed: allowed, blocked: blocked}, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid domain pattern").
				WithContext("pattern", p)
		}
		out = append(out, g)
	}
	return out, nil
}

// Policy returns the policy this matcher was compiled from.
func (m *PolicyMatcher) Policy() Policy {
	return m.policy
}

// Allow returns nil when the URL's host passes the policy, or a
// DOMAIN_BLOCKED error describing why it was rejected.
func (m *PolicyMatcher) Allow(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDomainBlocked, "unparseable url").
			WithContext("url", rawURL)
	}
	host := strings.ToLower(u.Hostname())

	// data:, about:blank and friends carry no host and stay local.
	if host == "" {
		return nil
	}

	if len(m.allowed) > 0 && !matchAny(m.allowed, host) {
		return apperrors.New(apperrors.ErrCodeDomainBlocked, "domain not allowed").
			WithContext("host", host).
			WithUserMessage("Domain " + host + " is not on the allow list")
	}
	if matchAny(m.blocked, host) {
		return apperrors.New(apperrors.ErrCodeDomainBlocked, "domain blocked").
			WithContext("host", host).
			WithUserMessage("Domain " + host + " is blocked")
	}
	return nil
}

func matchAny(globs []glob.Glob, host string) bool {
	for _, g := range globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}
