// SPDX-License-Identifier: MIT
//
// Blocklist filter - tests
//

package dns

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"detour/util/dnsmsg"
)

func TestBlocklistSuffix(t *testing.T) {
	b := NewBlocklist("ads.example.com")

	require.True(t, b.IsBlocked("ads.example.com"))
	require.True(t, b.IsBlocked("x.ads.example.com"))
	require.True(t, b.IsBlocked("a.b.ads.example.com"))
	require.False(t, b.IsBlocked("example.com"))
	require.False(t, b.IsBlocked("badads.example.com"))
	require.False(t, b.IsBlocked("ads.example.org"))
	require.False(t, b.IsBlocked(""))
}

func TestBlocklistNil(t *testing.T) {
	var b *Blocklist
	require.False(t, b.IsBlocked("example.com"))
	require.Equal(t, 0, b.Len())
}

const testRules = `[Adblock Plus 2.0]
! Title: test list
# comment line

tracker.example.net
*.wild.example.org
0.0.0.0 hosts1.example.com hosts2.example.com
127.0.0.1 localhost
::1 ip6-localhost
||abp.example.com^
||opts.example.com^$third-party
|exact.example.com^
@@||good.abp.example.com^
Mixed.Case.Example   # trailing comment
not a rule at all
||broken.example.com
`

func TestBlocklistLoad(t *testing.T) {
	b := &Blocklist{}
	n, err := b.Load(strings.NewReader(testRules))
	require.NoError(t, err)
	require.Equal(t, 9, n)

	blocked := []string{
		"tracker.example.net",
		"sub.tracker.example.net",
		"wild.example.org",
		"x.wild.example.org",
		"hosts1.example.com",
		"hosts2.example.com",
		"abp.example.com",
		"x.abp.example.com",
		"opts.example.com",
		"exact.example.com",
		"mixed.case.example",
	}
	for _, name := range blocked {
		require.True(t, b.IsBlocked(name), name)
	}

	allowed := []string{
		"localhost",
		"ip6-localhost",
		"example.com",
		"sub.exact.example.com",
		"good.abp.example.com",
		"x.good.abp.example.com",
		"broken.example.com",
	}
	for _, name := range allowed {
		require.False(t, b.IsBlocked(name), name)
	}
}

func TestLoadBlocklistFiles(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.txt")
	f2 := filepath.Join(dir, "b.hosts")
	require.NoError(t, os.WriteFile(f1, []byte("one.example.com\n"), 0o644))
	require.NoError(t, os.WriteFile(f2, []byte("0.0.0.0 two.example.com\n"), 0o644))

	b, err := LoadBlocklistFiles(f1, f2)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	require.True(t, b.IsBlocked("one.example.com"))
	require.True(t, b.IsBlocked("two.example.com"))

	_, err = LoadBlocklistFiles(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseBlockPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want BlockPolicy
		str  string
	}{
		{"", BlockPolicy{Mode: BlockNull}, "null"},
		{"null", BlockPolicy{Mode: BlockNull}, "null"},
		{"NXDOMAIN", BlockPolicy{Mode: BlockNXDomain}, "nxdomain"},
		{"192.0.2.7", BlockPolicy{Mode: BlockAddress, Address: netip.MustParseAddr("192.0.2.7")}, "192.0.2.7"},
		{"::ffff:192.0.2.7", BlockPolicy{Mode: BlockAddress, Address: netip.MustParseAddr("192.0.2.7")}, "192.0.2.7"},
		{"2001:db8::1", BlockPolicy{Mode: BlockAddress, Address: netip.MustParseAddr("2001:db8::1")}, "2001:db8::1"},
	}
	for _, tc := range tests {
		p, err := ParseBlockPolicy(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, p, tc.in)
		require.Equal(t, tc.str, p.String())
	}

	_, err := ParseBlockPolicy("refuse")
	require.ErrorIs(t, err, errPolicyInvalid)
}

func blockQuery(name string, qtype dnsmsg.Type) *dnsmsg.Message {
	return &dnsmsg.Message{
		Header: dnsmsg.Header{ID: 0x4242, RecursionDesired: true},
		Questions: []dnsmsg.Question{
			{Name: name, Type: qtype, Class: dnsmsg.ClassINET},
		},
	}
}

func TestBlockPolicyReply(t *testing.T) {
	null := BlockPolicy{Mode: BlockNull}

	r := null.Reply(blockQuery("ads.example.com.", dnsmsg.TypeA))
	require.Equal(t, uint16(0x4242), r.ID)
	require.True(t, r.Response)
	require.Equal(t, dnsmsg.RCodeSuccess, r.RCode)
	require.Len(t, r.Answers, 1)
	require.Equal(t, "ads.example.com.", r.Answers[0].Name)
	require.Equal(t, uint32(BlockedTTL), r.Answers[0].TTL)
	require.Equal(t, []byte{0, 0, 0, 0}, r.Answers[0].Data)

	r = null.Reply(blockQuery("ads.example.com.", dnsmsg.TypeAAAA))
	require.Len(t, r.Answers, 1)
	require.Equal(t, dnsmsg.TypeAAAA, r.Answers[0].Type)
	require.Equal(t, make([]byte, 16), r.Answers[0].Data)

	r = null.Reply(blockQuery("ads.example.com.", dnsmsg.TypeMX))
	require.Equal(t, dnsmsg.RCodeNameError, r.RCode)
	require.Empty(t, r.Answers)

	nx := BlockPolicy{Mode: BlockNXDomain}
	r = nx.Reply(blockQuery("ads.example.com.", dnsmsg.TypeA))
	require.Equal(t, dnsmsg.RCodeNameError, r.RCode)
	require.Empty(t, r.Answers)
	require.Equal(t, "ads.example.com.", r.Questions[0].Name)

	sink := BlockPolicy{Mode: BlockAddress, Address: netip.MustParseAddr("192.0.2.7")}
	r = sink.Reply(blockQuery("ads.example.com.", dnsmsg.TypeA))
	require.Equal(t, []byte{192, 0, 2, 7}, r.Answers[0].Data)
	r = sink.Reply(blockQuery("ads.example.com.", dnsmsg.TypeAAAA))
	require.Equal(t, dnsmsg.RCodeNameError, r.RCode)

	// The synthesized reply packs and parses.
	buf, err := null.Reply(blockQuery("ads.example.com.", dnsmsg.TypeA)).Pack()
	require.NoError(t, err)
	_, err = dnsmsg.Parse(buf)
	require.NoError(t, err)
}
