// Package outbound decides which network addresses guests may reach.
//
// Capability modules call Check before opening any connection on a guest's
// behalf. Patterns have the form scheme://host:port where the scheme, the
// port, the whole host or the leftmost host labels may be "*":
//
//	https://api.example.com
//	postgres://db.internal:5432
//	*://*.example.com:*
//	redis://*:6379
//
// A pattern without a port matches the scheme's well-known port.
package outbound

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
)

// AllowedHosts reports whether a guest may reach url using scheme.
type AllowedHosts interface {
	CheckURL(ctx context.Context, url, scheme string) (bool, error)
}

// Check returns an errors.KindNotPermitted error unless allowed permits
// address under scheme. A nil allowed permits nothing.
func Check(ctx context.Context, allowed AllowedHosts, address, scheme string) error {
	if allowed != nil {
		ok, err := allowed.CheckURL(ctx, address, scheme)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	Logger().Debug("outbound address denied",
		zap.String("address", address),
		zap.String("scheme", scheme))
	return errors.NotPermitted(address, scheme)
}

// wellKnownPorts fills in the port of patterns and addresses that omit it.
var wellKnownPorts = map[string]string{
	"http":     "80",
	"https":    "443",
	"postgres": "5432",
	"mysql":    "3306",
	"redis":    "6379",
	"mqtt":     "1883",
}

type pattern struct {
	scheme string // "*" or exact
	host   string // "*", "*.suffix" or exact
	port   string // "*" or decimal
}

// Allowlist is an immutable set of host patterns.
type Allowlist struct {
	patterns []pattern
}

// AllowAll permits every address.
var AllowAll = &Allowlist{patterns: []pattern{{scheme: "*", host: "*", port: "*"}}}

// ParseAllowlist parses patterns. An empty list permits nothing.
func ParseAllowlist(patterns []string) (*Allowlist, error) {
	al := &Allowlist{patterns: make([]pattern, 0, len(patterns))}
	for _, raw := range patterns {
		p, err := parsePattern(raw)
		if err != nil {
			return nil, errors.InvalidConfig("allowed_outbound_hosts", raw, err)
		}
		al.patterns = append(al.patterns, p)
	}
	return al, nil
}

func parsePattern(raw string) (pattern, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok || scheme == "" || rest == "" {
		return pattern{}, fmt.Errorf("want scheme://host[:port]")
	}
	if strings.ContainsAny(rest, "/?#@") {
		return pattern{}, fmt.Errorf("pattern must not contain a path, query or user info")
	}
	scheme = strings.ToLower(scheme)

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		host, port = rest, ""
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return pattern{}, fmt.Errorf("empty host")
	}
	if i := strings.LastIndex(host, "*"); i > 0 || (i == 0 && host != "*" && !strings.HasPrefix(host, "*.")) {
		return pattern{}, fmt.Errorf("wildcard must be the whole host or its leftmost label")
	}

	switch {
	case port == "*":
	case port == "":
		if scheme == "*" {
			port = "*"
			break
		}
		known, ok := wellKnownPorts[scheme]
		if !ok {
			return pattern{}, fmt.Errorf("scheme %q has no default port", scheme)
		}
		port = known
	default:
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return pattern{}, fmt.Errorf("invalid port %q", port)
		}
	}
	return pattern{scheme: scheme, host: host, port: port}, nil
}

func (p pattern) matches(scheme, host, port string) bool {
	if p.scheme != "*" && p.scheme != scheme {
		return false
	}
	if p.port != "*" && p.port != port {
		return false
	}
	switch {
	case p.host == "*":
		return true
	case strings.HasPrefix(p.host, "*."):
		suffix := p.host[1:]
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	default:
		return p.host == host
	}
}

// Len returns the number of patterns.
func (a *Allowlist) Len() int {
	return len(a.patterns)
}

// CheckURL accepts host:port, or a URL whose scheme must equal scheme.
func (a *Allowlist) CheckURL(_ context.Context, address, scheme string) (bool, error) {
	scheme = strings.ToLower(scheme)
	if !strings.Contains(address, "://") {
		address = scheme + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return false, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("malformed address %q: %v", address, err))
	}
	if strings.ToLower(u.Scheme) != scheme {
		return false, nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false, nil
	}
	port := u.Port()
	if port == "" {
		port = wellKnownPorts[scheme]
	}
	if port == "" {
		return false, nil
	}
	for _, p := range a.patterns {
		if p.matches(scheme, host, port) {
			return true, nil
		}
	}
	return false, nil
}
