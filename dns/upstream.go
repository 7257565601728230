// SPDX-License-Identifier: MIT
//
// Upstream resolvers to forward the queries to.
//

package dns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"detour/log"
	"detour/util/dnsmsg"
)

type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
	ProtoTLS // DNS-over-TLS
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return fmt.Sprintf("proto(%d)", int(p))
	}
}

const (
	defaultPort    = 53
	defaultTLSPort = 853

	// Largest UDP payload accepted from an upstream.
	maxUDPResponseSize = 65535

	// Bound on stream I/O when the context has no deadline.
	streamTimeout = 15 * time.Second

	poolMaxConns  = 16
	poolIdleConns = 4

	keepaliveIdle     = 25 * time.Second
	keepaliveInterval = 25 * time.Second
	keepaliveCount    = 3
)

var (
	errUpstreamInvalid = errors.New("invalid upstream")
	errIDMismatch      = errors.New("response ID mismatch")
)

// Exchanger sends one query and waits for its response.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
	String() string
}

// Upstream is one configured upstream server.  It is immutable after
// setup and safe for concurrent use.
type Upstream struct {
	Address    netip.AddrPort
	Proto      Proto
	ServerName string // to verify the TLS certificate

	rootCAs  *x509.CertPool // nil means the system pool
	poolOnce sync.Once
	pool     ConnPool // TCP or TLS; UDP upstreams use TCP on truncation
}

// ParseUpstream parses "addr[:port]" (UDP), "udp://addr[:port]",
// "tcp://addr[:port]" or "tls://addr[:port][#servername]".
// Hostnames are not accepted since there is no bootstrap resolver.
func ParseUpstream(s string) (*Upstream, error) {
	u := &Upstream{Proto: ProtoUDP}
	rest := s
	if scheme, r, ok := strings.Cut(s, "://"); ok {
		switch strings.ToLower(scheme) {
		case "udp":
			u.Proto = ProtoUDP
		case "tcp":
			u.Proto = ProtoTCP
		case "tls":
			u.Proto = ProtoTLS
		default:
			return nil, fmt.Errorf("%w: unknown scheme %q in %q", errUpstreamInvalid, scheme, s)
		}
		rest = r
	}
	if host, name, ok := strings.Cut(rest, "#"); ok {
		if u.Proto != ProtoTLS {
			return nil, fmt.Errorf("%w: server name only applies to tls: %q", errUpstreamInvalid, s)
		}
		u.ServerName = name
		rest = host
	}

	port := uint16(defaultPort)
	if u.Proto == ProtoTLS {
		port = defaultTLSPort
	}
	if ap, err := netip.ParseAddrPort(rest); err == nil {
		u.Address = ap
	} else if addr, err := netip.ParseAddr(strings.Trim(rest, "[]")); err == nil {
		u.Address = netip.AddrPortFrom(addr, port)
	} else {
		return nil, fmt.Errorf("%w: bad address %q: %v", errUpstreamInvalid, rest, err)
	}
	if u.Address.Port() == 0 {
		return nil, fmt.Errorf("%w: zero port in %q", errUpstreamInvalid, s)
	}
	u.Address = netip.AddrPortFrom(u.Address.Addr().Unmap(), u.Address.Port())

	if u.Proto == ProtoTLS && u.ServerName == "" {
		u.ServerName = u.Address.Addr().String()
	}
	return u, nil
}

// SetRootCAs sets the CA pool verifying TLS upstreams; it must be called
// before the first exchange.
func (u *Upstream) SetRootCAs(pool *x509.CertPool) {
	u.rootCAs = pool
}

// String returns the canonical form, which is also accepted by
// ParseUpstream.
func (u *Upstream) String() string {
	switch u.Proto {
	case ProtoTCP:
		return "tcp://" + u.Address.String()
	case ProtoTLS:
		return "tls://" + u.Address.String() + "#" + u.ServerName
	default:
		return u.Address.String()
	}
}

// Exchange sends the query and returns the response with the same ID.
// UDP responses with the TC bit set are retried over TCP.
func (u *Upstream) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if u.Proto != ProtoUDP {
		return u.exchangeStream(ctx, query)
	}

	resp, err := u.exchangeUDP(ctx, query)
	if err != nil {
		return nil, err
	}
	if h, _, err := dnsmsg.ParseHeader(resp); err == nil && h.Truncated {
		log.Debugf("[%s] truncated response; retry over TCP", u)
		return u.exchangeStream(ctx, query)
	}
	return resp, nil
}

// Close closes the idle pooled connections.
func (u *Upstream) Close() {
	if u.pool != nil {
		u.pool.Close()
	}
}

func (u *Upstream) exchangeUDP(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.Address.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock the read as soon as the race is over.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(query); err != nil {
		return nil, err
	}

	id := dnsmsg.RawMsg(query).GetID()
	buf := make([]byte, maxUDPResponseSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		resp := dnsmsg.RawMsg(buf[:n])
		if n < 2 || resp.GetID() != id {
			// Possibly a late response to an earlier query on a
			// recycled port; keep waiting.
			log.Debugf("[%s] discarded response with mismatched ID (len=%d)", u, n)
			continue
		}
		return append([]byte(nil), resp...), nil
	}
}

func (u *Upstream) connPool() ConnPool {
	u.poolOnce.Do(func() {
		keepAlive := net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepaliveIdle,
			Interval: keepaliveInterval,
			Count:    keepaliveCount,
		}
		tcp := NewConnPool(u.Address, poolMaxConns, poolIdleConns, keepAlive)
		if u.Proto == ProtoTLS {
			u.pool = NewConnPoolTLS(tcp, &tls.Config{
				RootCAs:    u.rootCAs,
				ServerName: u.ServerName,
			})
		} else {
			u.pool = tcp
		}
	})
	return u.pool
}

// exchangeStream sends the query with the 2-byte length prefix over a
// pooled connection.  A failed pooled connection is retried once on a
// fresh one.
func (u *Upstream) exchangeStream(ctx context.Context, query []byte) ([]byte, error) {
	pool := u.connPool()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var conn net.Conn
		conn, err = pool.Get(ctx)
		if err != nil {
			return nil, err
		}

		var resp []byte
		resp, err = u.roundTrip(ctx, conn, query)
		if err == nil {
			pool.Put(conn, false)
			return resp, nil
		}
		pool.Put(conn, true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debugf("[%s] exchange failed (attempt %d): %v", u, attempt+1, err)
	}
	return nil, err
}

func (u *Upstream) roundTrip(ctx context.Context, conn net.Conn, query []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamTimeout)
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	buf := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(buf, uint16(len(query)))
	copy(buf[2:], query)

	resp, err := func() ([]byte, error) {
		if _, err := conn.Write(buf); err != nil {
			return nil, err
		}
		lbuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lbuf); err != nil {
			return nil, err
		}
		resp := make([]byte, binary.BigEndian.Uint16(lbuf))
		if _, err := io.ReadFull(conn, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}()

	if !stop() {
		// The deadline was forced; the connection is not reusable.
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, err
	}
	if dnsmsg.RawMsg(resp).GetID() != dnsmsg.RawMsg(query).GetID() {
		return nil, errIDMismatch
	}
	conn.SetDeadline(time.Time{})
	return resp, nil
}
