// SPDX-License-Identifier: MIT
//
// Response cache - tests
//

package dns

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"detour/util/dnsmsg"
)

func newTestCache(t *testing.T, cfg CacheConfig) *Cache {
	t.Helper()
	c := NewCache(cfg)
	t.Cleanup(c.Close)
	return c
}

func responseA(t *testing.T, name string, ttl uint32, addrs ...string) *dnsmsg.Message {
	t.Helper()
	query := &dnsmsg.Message{
		Header: dnsmsg.Header{ID: 1, RecursionDesired: true},
		Questions: []dnsmsg.Question{
			{Name: name, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET},
		},
	}
	var answers []dnsmsg.Resource
	for _, a := range addrs {
		answers = append(answers, dnsmsg.AddressRecord(name, netip.MustParseAddr(a), ttl))
	}
	return dnsmsg.NewReply(query, dnsmsg.RCodeSuccess, answers...)
}

// fromMiekg converts a message built with miekg/dns.
func fromMiekg(t *testing.T, m *mdns.Msg) *dnsmsg.Message {
	t.Helper()
	buf, err := m.Pack()
	require.NoError(t, err)
	msg, err := dnsmsg.Parse(buf)
	require.NoError(t, err)
	return msg
}

func nxdomain(t *testing.T, name string, soaTTL, minimum uint32) *dnsmsg.Message {
	t.Helper()
	m := new(mdns.Msg)
	m.SetQuestion(name, mdns.TypeA)
	m.Response = true
	m.Rcode = mdns.RcodeNameError
	if soaTTL > 0 {
		m.Ns = append(m.Ns, &mdns.SOA{
			Hdr: mdns.RR_Header{
				Name:   "example.com.",
				Rrtype: mdns.TypeSOA,
				Class:  mdns.ClassINET,
				Ttl:    soaTTL,
			},
			Ns:      "ns.example.com.",
			Mbox:    "hostmaster.example.com.",
			Serial:  2024010101,
			Refresh: 7200,
			Retry:   3600,
			Expire:  1209600,
			Minttl:  minimum,
		})
	}
	return fromMiekg(t, m)
}

func TestCacheClampTTL(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 3600 * time.Second})

	tests := []struct {
		ttl    uint32
		want   time.Duration
		cached bool
	}{
		{10, 60 * time.Second, true},
		{300, 300 * time.Second, true},
		{7200, 3600 * time.Second, true},
		{0, 0, false},
	}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range tests {
		t.Run(fmt.Sprintf("ttl=%d", tc.ttl), func(t *testing.T) {
			msg := responseA(t, "example.com.", tc.ttl, "192.0.2.1")
			ttl, ok := c.TTL(msg)
			require.Equal(t, tc.cached, ok)
			require.Equal(t, tc.want, ttl)

			key := CacheKey{Name: fmt.Sprintf("ttl%d.example.com", tc.ttl), Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
			require.Equal(t, tc.cached, c.Put(key, msg, t0))
			if !tc.cached {
				_, ok := c.Get(key, t0)
				require.False(t, ok)
				return
			}

			_, ok = c.Get(key, t0.Add(tc.want-time.Second))
			require.True(t, ok, "entry expired early")
			_, ok = c.Get(key, t0.Add(tc.want+time.Second))
			require.False(t, ok, "expired entry served")
		})
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	key := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	t0 := time.Now()

	require.True(t, c.Put(key, responseA(t, "example.com.", 300, "192.0.2.1"), t0))
	require.Equal(t, 1, c.Len())

	msg, ok := c.Get(key, t0.Add(299*time.Second))
	require.True(t, ok)
	require.Equal(t, uint32(1), msg.Answers[0].TTL)

	_, ok = c.Get(key, t0.Add(300*time.Second))
	require.False(t, ok)
	// Removed on the expired lookup.
	require.Equal(t, 0, c.Len())
}

func TestCacheAgeTTL(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	key := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	t0 := time.Now()

	require.True(t, c.Put(key, responseA(t, "example.com.", 300, "192.0.2.1", "192.0.2.2"), t0))

	msg, ok := c.Get(key, t0.Add(100*time.Second))
	require.True(t, ok)
	require.Len(t, msg.Answers, 2)
	for _, rr := range msg.Answers {
		require.Equal(t, uint32(200), rr.TTL)
	}

	// Raised by MinTTL: record TTLs never outlive the entry.
	key.Name = "short.example.com"
	require.True(t, c.Put(key, responseA(t, "short.example.com.", 10, "192.0.2.3"), t0))
	msg, ok = c.Get(key, t0.Add(30*time.Second))
	require.True(t, ok)
	require.Equal(t, uint32(1), msg.Answers[0].TTL)
}

func TestCacheNegative(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})

	// min(SOA TTL, MINIMUM)
	ttl, ok := c.TTL(nxdomain(t, "nope.example.com.", 3600, 120))
	require.True(t, ok)
	require.Equal(t, 120*time.Second, ttl)

	ttl, ok = c.TTL(nxdomain(t, "nope.example.com.", 900, 3600))
	require.True(t, ok)
	require.Equal(t, 900*time.Second, ttl)

	// Clamped to MinTTL.
	ttl, ok = c.TTL(nxdomain(t, "nope.example.com.", 5, 5))
	require.True(t, ok)
	require.Equal(t, 60*time.Second, ttl)

	// No SOA: the default TTL.
	ttl, ok = c.TTL(nxdomain(t, "nope.example.com.", 0, 0))
	require.True(t, ok)
	require.Equal(t, 60*time.Second, ttl)

	c2 := newTestCache(t, CacheConfig{
		MinTTL:     10 * time.Second,
		MaxTTL:     86400 * time.Second,
		DefaultTTL: 30 * time.Second,
	})
	ttl, ok = c2.TTL(nxdomain(t, "nope.example.com.", 0, 0))
	require.True(t, ok)
	require.Equal(t, 30*time.Second, ttl)
}

func TestCacheRejects(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	key := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	now := time.Now()

	servfail := responseA(t, "example.com.", 300)
	servfail.RCode = dnsmsg.RCodeServerFailure
	require.False(t, c.Put(key, servfail, now))

	refused := responseA(t, "example.com.", 300)
	refused.RCode = dnsmsg.RCodeRefused
	require.False(t, c.Put(key, refused, now))

	truncated := responseA(t, "example.com.", 300, "192.0.2.1")
	truncated.Truncated = true
	require.False(t, c.Put(key, truncated, now))

	require.Equal(t, 0, c.Len())
}

func TestCacheCopies(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	key := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	now := time.Now()

	orig := responseA(t, "example.com.", 300, "192.0.2.1")
	require.True(t, c.Put(key, orig, now))
	orig.Answers[0].Data[0] = 10

	got, ok := c.Get(key, now)
	require.True(t, ok)
	require.Equal(t, []byte{192, 0, 2, 1}, got.Answers[0].Data)
	got.Answers[0].Data[0] = 11
	got.ID = 999

	again, ok := c.Get(key, now)
	require.True(t, ok)
	require.Equal(t, []byte{192, 0, 2, 1}, again.Answers[0].Data)
	require.Equal(t, uint16(1), again.ID)
}

func TestCacheReplace(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	key := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	now := time.Now()

	require.True(t, c.Put(key, responseA(t, "example.com.", 300, "192.0.2.1"), now))
	require.True(t, c.Put(key, responseA(t, "example.com.", 600, "192.0.2.2"), now))
	require.Equal(t, 1, c.Len())

	got, ok := c.Get(key, now.Add(400*time.Second))
	require.True(t, ok)
	require.Equal(t, []byte{192, 0, 2, 2}, got.Answers[0].Data)
}

func TestCacheMaxEntries(t *testing.T) {
	c := newTestCache(t, CacheConfig{
		MinTTL:     60 * time.Second,
		MaxTTL:     86400 * time.Second,
		MaxEntries: 2,
	})
	now := time.Now()
	keyOf := func(name string) CacheKey {
		return CacheKey{Name: name, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	}

	c.Put(keyOf("a.com"), responseA(t, "a.com.", 300, "192.0.2.1"), now)
	c.Put(keyOf("b.com"), responseA(t, "b.com.", 300, "192.0.2.2"), now)
	_, ok := c.Get(keyOf("a.com"), now) // a.com is now the most recent
	require.True(t, ok)
	c.Put(keyOf("c.com"), responseA(t, "c.com.", 300, "192.0.2.3"), now)

	require.Equal(t, 2, c.Len())
	_, ok = c.Get(keyOf("b.com"), now)
	require.False(t, ok)
	_, ok = c.Get(keyOf("a.com"), now)
	require.True(t, ok)

	require.Equal(t, 2, c.Flush())
	require.Equal(t, 0, c.Len())
}

func TestCacheKeyDistinct(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	now := time.Now()

	keyA := CacheKey{Name: "example.com", Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
	keyAAAA := CacheKey{Name: "example.com", Type: dnsmsg.TypeAAAA, Class: dnsmsg.ClassINET}
	require.Equal(t, "example.com:A:INET", keyA.String())

	c.Put(keyA, responseA(t, "example.com.", 300, "192.0.2.1"), now)
	_, ok := c.Get(keyAAAA, now)
	require.False(t, ok)
}

func TestCacheConcurrent(t *testing.T) {
	c := newTestCache(t, CacheConfig{MinTTL: 60 * time.Second, MaxTTL: 86400 * time.Second})
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				name := fmt.Sprintf("host%d.example.com", j%16)
				key := CacheKey{Name: name, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}
				if j%2 == 0 {
					c.Put(key, responseA(t, name+".", 300, "192.0.2.1"), now)
				} else if msg, ok := c.Get(key, now); ok {
					msg.AgeTTLs(10)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 16)
}
