// SPDX-License-Identifier: MIT
//
// Blocklist filter and blocked responses.
//

package dns

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"detour/log"
	"detour/util/dnsmsg"
	"detour/util/dnstrie"
)

// TTL of the synthesized answers to blocked queries.
const BlockedTTL = 300

var errPolicyInvalid = errors.New("invalid block policy")

// Blocklist holds the blocked domains.  It is built once at startup and
// read-only afterwards, so lookups need no locking.
type Blocklist struct {
	block dnstrie.DNSTrie
	allow dnstrie.DNSTrie // exception rules
}

// NewBlocklist blocks the given domains and all their subdomains.
func NewBlocklist(domains ...string) *Blocklist {
	b := &Blocklist{}
	for _, d := range domains {
		b.block.AddZone(d)
	}
	return b
}

// LoadBlocklistFiles loads the rule files into one blocklist.
func LoadBlocklistFiles(paths ...string) (*Blocklist, error) {
	b := &Blocklist{}
	for _, fp := range paths {
		f, err := os.Open(fp)
		if err != nil {
			return nil, err
		}
		n, err := b.Load(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("blocklist [%s]: %w", fp, err)
		}
		log.Infof("loaded %d blocklist rules from: %s", n, fp)
	}
	return b, nil
}

// Load adds the rules read from r and returns how many were added.
// Recognized lines:
//
//	example.com              plain domain, blocks subdomains too
//	*.example.com            same as above
//	0.0.0.0 a.com b.com      hosts file entries
//	||example.com^           Adblock domain rule
//	|example.com^            Adblock rule for the exact name only
//	@@||example.com^         Adblock exception rule
//
// Comments ("#", "!") and Adblock headers ("[Adblock Plus 2.0]") are
// skipped, as are unrecognized lines.
func (b *Blocklist) Load(r io.Reader) (int, error) {
	count := 0
	sc := bufio.NewScanner(r)
	for lineno := 1; sc.Scan(); lineno++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' ||
			(line[0] == '[' && line[len(line)-1] == ']') {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		n, ok := b.addRule(line)
		if !ok {
			log.Debugf("skipped blocklist line %d: %q", lineno, line)
			continue
		}
		count += n
	}
	return count, sc.Err()
}

func (b *Blocklist) addRule(line string) (int, bool) {
	if rule, ok := strings.CutPrefix(line, "@@||"); ok {
		name, ok := abpDomain(rule)
		if ok {
			b.allow.AddZone(name)
		}
		return 1, ok
	}
	if rule, ok := strings.CutPrefix(line, "||"); ok {
		name, ok := abpDomain(rule)
		if ok {
			b.block.AddZone(name)
		}
		return 1, ok
	}
	if rule, ok := strings.CutPrefix(line, "|"); ok {
		name, ok := abpDomain(rule)
		if ok {
			b.block.AddName(name)
		}
		return 1, ok
	}

	fields := strings.Fields(line)
	if len(fields) == 1 {
		name := strings.TrimPrefix(fields[0], "*.")
		if !isDomain(name) {
			return 0, false
		}
		b.block.AddZone(name)
		return 1, true
	}

	// hosts file
	if _, err := netip.ParseAddr(fields[0]); err != nil {
		return 0, false
	}
	n := 0
	for _, name := range fields[1:] {
		if isLocalHostname(name) || !isDomain(name) {
			continue
		}
		b.block.AddZone(name)
		n++
	}
	return n, n > 0
}

// abpDomain extracts the domain of an "example.com^[$options]" rule.
func abpDomain(rule string) (string, bool) {
	rule, _, _ = strings.Cut(rule, "$")
	name, ok := strings.CutSuffix(rule, "^")
	if !ok || !isDomain(name) {
		return "", false
	}
	return name, true
}

func isDomain(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
				c >= '0' && c <= '9' || c == '-' || c == '_') {
				return false
			}
		}
	}
	return true
}

func isLocalHostname(name string) bool {
	switch strings.ToLower(name) {
	case "localhost", "localhost.localdomain", "local", "broadcasthost",
		"ip6-localhost", "ip6-loopback", "ip6-localnet", "ip6-mcastprefix",
		"ip6-allnodes", "ip6-allrouters", "ip6-allhosts", "0.0.0.0":
		return true
	}
	return false
}

// IsBlocked reports whether the normalized name (lower case, no trailing
// dot) is blocked: it or one of its parent domains is listed and no
// exception covers it.
func (b *Blocklist) IsBlocked(name string) bool {
	if b == nil {
		return false
	}
	key := dnstrie.Key(name)
	if _, _, ok := b.allow.MatchKey(key); ok {
		return false
	}
	_, _, ok := b.block.MatchKey(key)
	return ok
}

// Len returns the number of rules.
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return b.block.Len() + b.allow.Len()
}

type BlockMode int

const (
	// Answer A with 0.0.0.0 and AAAA with ::, NXDOMAIN for other types.
	BlockNull BlockMode = iota
	// Answer NXDOMAIN.
	BlockNXDomain
	// Answer a fixed address for its family, NXDOMAIN otherwise.
	BlockAddress
)

type BlockPolicy struct {
	Mode    BlockMode
	Address netip.Addr // for BlockAddress
}

// ParseBlockPolicy parses "null" (or ""), "nxdomain", or an IP address.
func ParseBlockPolicy(s string) (BlockPolicy, error) {
	switch strings.ToLower(s) {
	case "", "null":
		return BlockPolicy{Mode: BlockNull}, nil
	case "nxdomain":
		return BlockPolicy{Mode: BlockNXDomain}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return BlockPolicy{}, fmt.Errorf("%w: %q", errPolicyInvalid, s)
	}
	return BlockPolicy{Mode: BlockAddress, Address: addr.Unmap()}, nil
}

func (p BlockPolicy) String() string {
	switch p.Mode {
	case BlockNXDomain:
		return "nxdomain"
	case BlockAddress:
		return p.Address.String()
	default:
		return "null"
	}
}

// Reply synthesizes the response to a blocked query.
func (p BlockPolicy) Reply(query *dnsmsg.Message) *dnsmsg.Message {
	q := query.Questions[0]
	var addr netip.Addr
	switch p.Mode {
	case BlockNull:
		switch q.Type {
		case dnsmsg.TypeA:
			addr = netip.IPv4Unspecified()
		case dnsmsg.TypeAAAA:
			addr = netip.IPv6Unspecified()
		}
	case BlockAddress:
		if (q.Type == dnsmsg.TypeA && p.Address.Is4()) ||
			(q.Type == dnsmsg.TypeAAAA && p.Address.Is6()) {
			addr = p.Address
		}
	}
	if !addr.IsValid() {
		return dnsmsg.NewReply(query, dnsmsg.RCodeNameError)
	}
	return dnsmsg.NewReply(query, dnsmsg.RCodeSuccess,
		dnsmsg.AddressRecord(q.Name, addr, BlockedTTL))
}
