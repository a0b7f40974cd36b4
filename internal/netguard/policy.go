package netguard

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// Mode selects how outbound connections are treated for one execution.
type Mode string

const (
	ModeUnrestricted Mode = "unrestricted"
	ModeBlockAll     Mode = "block_all"
	ModeWhitelist    Mode = "whitelist"
)

// Loopback hosts are always permitted in whitelist mode.
var Loopback = []string{"localhost", "127.0.0.1", "::1"}

// Reasons recorded with each decision.
const (
	ReasonUnrestricted = "unrestricted"
	ReasonBlockAll     = "all connections blocked"
	ReasonWhitelisted  = "in whitelist"
	ReasonLoopback     = "loopback"
	ReasonNotWhitelist = "not in whitelist"
)

// Policy is the network policy of one submission.
type Policy struct {
	Mode  Mode     `json:"mode" yaml:"mode"`
	Hosts []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

// BlockAll returns the policy that refuses every connection.
func BlockAll() Policy { return Policy{Mode: ModeBlockAll} }

// Whitelist returns a policy permitting hosts, their subdomains and loopback.
func Whitelist(hosts ...string) Policy {
	return Policy{Mode: ModeWhitelist, Hosts: hosts}
}

// Validate checks the mode and host entries.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeUnrestricted, ModeBlockAll:
		if len(p.Hosts) > 0 {
			return fmt.Errorf("%w: hosts are only valid in %s mode", ErrInvalidPolicy, ModeWhitelist)
		}
	case ModeWhitelist:
		for _, h := range p.Hosts {
			if normalizeHost(h) == "" {
				return fmt.Errorf("%w: empty whitelist entry", ErrInvalidPolicy)
			}
			if strings.ContainsAny(h, "/ *") {
				return fmt.Errorf("%w: whitelist entry %q must be a bare host name", ErrInvalidPolicy, h)
			}
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	return nil
}

// Normalized lowercases the hosts, drops duplicates and, in whitelist mode,
// adds the loopback names.
func (p Policy) Normalized() Policy {
	out := Policy{Mode: p.Mode}
	if p.Mode != ModeWhitelist {
		return out
	}
	seen := make(map[string]bool)
	for _, h := range append(slices.Clone(p.Hosts), Loopback...) {
		h = normalizeHost(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out.Hosts = append(out.Hosts, h)
	}
	slices.Sort(out.Hosts)
	return out
}

// Decide returns whether a connection to host is permitted and why.
// The policy is expected to be normalized.
func (p Policy) Decide(host string) (bool, string) {
	switch p.Mode {
	case ModeUnrestricted:
		return true, ReasonUnrestricted
	case ModeWhitelist:
		h := normalizeHost(host)
		if isLoopback(h) {
			return true, ReasonLoopback
		}
		for _, allowed := range p.Hosts {
			if h == allowed || strings.HasSuffix(h, "."+allowed) {
				return true, ReasonWhitelisted
			}
		}
		return false, ReasonNotWhitelist
	default:
		return false, ReasonBlockAll
	}
}

func (p Policy) String() string {
	if p.Mode == ModeWhitelist {
		return fmt.Sprintf("%s(%s)", p.Mode, strings.Join(p.Hosts, ","))
	}
	return string(p.Mode)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
}

func isLoopback(h string) bool {
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
