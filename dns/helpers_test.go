// SPDX-License-Identifier: MIT
//
// Test helpers: stub upstreams and fake exchangers.
//

package dns

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"detour/util/dnsmsg"
)

// startStub serves h on 127.0.0.1 over network ("udp" or "tcp") and
// returns the bound address.  An explicit port of 0 picks a free one.
func startStub(t *testing.T, network string, port int, h mdns.HandlerFunc) netip.AddrPort {
	t.Helper()
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)).String()

	started := make(chan struct{})
	srv := &mdns.Server{
		Handler:           h,
		NotifyStartedFunc: func() { close(started) },
	}
	var bound netip.AddrPort
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		require.NoError(t, err)
		srv.PacketConn = pc
		bound = pc.LocalAddr().(*net.UDPAddr).AddrPort()
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		require.NoError(t, err)
		srv.Listener = ln
		bound = ln.Addr().(*net.TCPAddr).AddrPort()
	default:
		t.Fatalf("unknown network: %s", network)
	}

	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return bound
}

// startStubPair serves UDP and TCP on the same port.
func startStubPair(t *testing.T, udp, tcp mdns.HandlerFunc) netip.AddrPort {
	t.Helper()
	for i := 0; i < 10; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		pc, err := net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			continue // port taken for UDP; try another
		}
		pc.Close()
		ln.Close()

		startStub(t, "tcp", port, tcp)
		return startStub(t, "udp", port, udp)
	}
	t.Fatal("no free port for UDP+TCP")
	return netip.AddrPort{}
}

// silentUpstream accepts UDP packets and never answers.
func silentUpstream(t *testing.T) netip.AddrPort {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// closedPort returns a local UDP address nobody listens on.
func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().(*net.UDPAddr).AddrPort()
	pc.Close()
	return addr
}

func udpUpstream(t *testing.T, addr netip.AddrPort) *Upstream {
	t.Helper()
	u, err := ParseUpstream(addr.String())
	require.NoError(t, err)
	t.Cleanup(u.Close)
	return u
}

// answerA answers every query with one A record after the delay.
func answerA(ip string, ttl uint32, delay time.Duration, hits *atomic.Int32) mdns.HandlerFunc {
	return func(w mdns.ResponseWriter, req *mdns.Msg) {
		if hits != nil {
			hits.Add(1)
		}
		time.Sleep(delay)
		m := new(mdns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &mdns.A{
			Hdr: mdns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: mdns.TypeA,
				Class:  mdns.ClassINET,
				Ttl:    ttl,
			},
			A: net.ParseIP(ip),
		})
		w.WriteMsg(m)
	}
}

func newQuery(t *testing.T, name string, qtype dnsmsg.Type, id uint16) []byte {
	t.Helper()
	m := &dnsmsg.Message{
		Header: dnsmsg.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmsg.Question{
			{Name: name, Type: qtype, Class: dnsmsg.ClassINET},
		},
	}
	buf, err := m.Pack()
	require.NoError(t, err)
	return buf
}

func replyA(query []byte, ip string, ttl uint32) []byte {
	q, err := dnsmsg.Parse(query)
	if err != nil {
		panic(err)
	}
	r := dnsmsg.NewReply(q, dnsmsg.RCodeSuccess,
		dnsmsg.AddressRecord(q.Questions[0].Name, netip.MustParseAddr(ip), ttl))
	buf, err := r.Pack()
	if err != nil {
		panic(err)
	}
	return buf
}

// answerAddr returns the address in the first answer of the response.
func answerAddr(t *testing.T, resp []byte) netip.Addr {
	t.Helper()
	m, err := dnsmsg.Parse(resp)
	require.NoError(t, err)
	require.NotEmpty(t, m.Answers)
	addr, ok := netip.AddrFromSlice(m.Answers[0].Data)
	require.True(t, ok)
	return addr
}

// fakeExchanger answers after a delay, unless its context ends first.
type fakeExchanger struct {
	name     string
	delay    time.Duration
	respond  func(query []byte) []byte
	err      error
	calls    atomic.Int32
	canceled chan struct{}
	once     sync.Once
}

func (f *fakeExchanger) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		if f.canceled != nil {
			f.once.Do(func() { close(f.canceled) })
		}
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.respond(query), nil
}

func (f *fakeExchanger) String() string {
	return f.name
}

// recordSink keeps every event.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Record(ev *Event) {
	s.mu.Lock()
	s.events = append(s.events, *ev)
	s.mu.Unlock()
}

func (s *recordSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}
	}
	return s.events[len(s.events)-1]
}
