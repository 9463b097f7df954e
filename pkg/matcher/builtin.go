package matcher

import (
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// Built-in matcher names.
const (
	All                 = "All"
	RecipientIs         = "RecipientIs"
	HostIs              = "HostIs"
	HostIsLocal         = "HostIsLocal"
	SenderIs            = "SenderIs"
	SenderIsNull        = "SenderIsNull"
	SenderHostIs        = "SenderHostIs"
	HasAttribute        = "HasAttribute"
	RecipientMatches    = "RecipientMatches"
	RemoteAddrInNetwork = "RemoteAddrInNetwork"
)

func registerBuiltins(r *Registry) {
	r.Register(All, func(string) (Matcher, error) {
		return Func(func(*core.Mail, string) bool { return true }), nil
	})
	r.Register(RecipientIs, newRecipientIs)
	r.Register(HostIs, newHostIs)
	r.Register(HostIsLocal, func(string) (Matcher, error) {
		if len(r.localDomains) == 0 {
			return nil, fmt.Errorf("%w: no local domains configured", ErrInvalidCondition)
		}
		return hostIn(r.localDomains), nil
	})
	r.Register(SenderIs, newSenderIs)
	r.Register(SenderIsNull, func(string) (Matcher, error) {
		return Func(func(m *core.Mail, _ string) bool { return !m.HasSender() }), nil
	})
	r.Register(SenderHostIs, newSenderHostIs)
	r.Register(HasAttribute, newHasAttribute)
	r.Register(RecipientMatches, newRecipientMatches)
	r.Register(RemoteAddrInNetwork, newRemoteAddrInNetwork)
}

func required(condition string) ([]string, error) {
	items := splitList(condition)
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: condition required", ErrInvalidCondition)
	}
	return items, nil
}

func newRecipientIs(condition string) (Matcher, error) {
	items, err := required(condition)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(items))
	for _, a := range items {
		set[strings.ToLower(core.NormalizeAddress(a))] = true
	}
	return Func(func(_ *core.Mail, rcpt string) bool {
		return set[strings.ToLower(rcpt)]
	}), nil
}

func newHostIs(condition string) (Matcher, error) {
	items, err := required(condition)
	if err != nil {
		return nil, err
	}
	return hostIn(items), nil
}

func hostIn(domains []string) Matcher {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	return Func(func(_ *core.Mail, rcpt string) bool {
		return set[core.Domain(rcpt)]
	})
}

func newSenderIs(condition string) (Matcher, error) {
	items, err := required(condition)
	if err != nil {
		return nil, err
	}
	for i, a := range items {
		items[i] = strings.ToLower(core.NormalizeAddress(a))
	}
	return Func(func(m *core.Mail, _ string) bool {
		return m.HasSender() && slices.Contains(items, strings.ToLower(m.Sender))
	}), nil
}

func newSenderHostIs(condition string) (Matcher, error) {
	items, err := required(condition)
	if err != nil {
		return nil, err
	}
	for i, d := range items {
		items[i] = strings.ToLower(d)
	}
	return Func(func(m *core.Mail, _ string) bool {
		return m.HasSender() && slices.Contains(items, core.Domain(m.Sender))
	}), nil
}

// newHasAttribute accepts "name" or "name=value".
func newHasAttribute(condition string) (Matcher, error) {
	name, value, withValue := strings.Cut(strings.TrimSpace(condition), "=")
	if name == "" {
		return nil, fmt.Errorf("%w: attribute name required", ErrInvalidCondition)
	}
	return Func(func(m *core.Mail, _ string) bool {
		v, ok := m.Attribute(name)
		return ok && (!withValue || v == value)
	}), nil
}

func newRecipientMatches(condition string) (Matcher, error) {
	if condition == "" {
		return nil, fmt.Errorf("%w: pattern required", ErrInvalidCondition)
	}
	re, err := regexp.Compile(condition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return Func(func(_ *core.Mail, rcpt string) bool {
		return re.MatchString(rcpt)
	}), nil
}

// newRemoteAddrInNetwork accepts CIDR prefixes and bare addresses.
func newRemoteAddrInNetwork(condition string) (Matcher, error) {
	items, err := required(condition)
	if err != nil {
		return nil, err
	}
	prefixes := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		p, err := netip.ParsePrefix(item)
		if err != nil {
			addr, aerr := netip.ParseAddr(item)
			if aerr != nil {
				return nil, fmt.Errorf("%w: %q is not an address or network", ErrInvalidCondition, item)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, p.Masked())
	}
	return Func(func(m *core.Mail, _ string) bool {
		addr, ok := parseRemoteAddr(m.RemoteAddr)
		if !ok {
			return false
		}
		for _, p := range prefixes {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}), nil
}

func parseRemoteAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
