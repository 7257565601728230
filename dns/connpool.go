// SPDX-License-Identifier: MIT
//
// TCP & TLS connection pool for upstream exchanges.
//

package dns

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"detour/log"
)

type ConnPool interface {
	Get(ctx context.Context) (net.Conn, error)
	Put(conn net.Conn, discard bool)
	Close()
}

// ConnPoolTCP manages a pool of TCP connections to one upstream.
type ConnPoolTCP struct {
	address   netip.AddrPort      // upstream address
	maxConns  int                 // max total connections
	idleConns int                 // max idle connections
	keepAlive net.KeepAliveConfig // keepalive configs

	conns  chan *pooledConn // idle connections
	active atomic.Int32     // number of active connections (checked out + idle)
	closed atomic.Bool
}

// pooledConn wraps a net.Conn with last-used timestamp.
type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// Idle connections unused for longer are not reused.
const maxIdleTime = 60 * time.Second

// NewConnPool initializes a new connection pool.
func NewConnPool(
	address netip.AddrPort,
	maxConns, idleConns int,
	keepAlive net.KeepAliveConfig,
) *ConnPoolTCP {
	if idleConns > maxConns {
		idleConns = maxConns
	}
	return &ConnPoolTCP{
		address:   address,
		maxConns:  maxConns,
		idleConns: idleConns,
		keepAlive: keepAlive,
		conns:     make(chan *pooledConn, idleConns),
	}
}

// dial creates a new TCP connection with keepalive.
func (p *ConnPoolTCP) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{KeepAliveConfig: p.keepAlive}
	return d.DialContext(ctx, "tcp", p.address.String())
}

// Get fetches a healthy connection from the pool (creates one if needed).
// It waits for a connection to be returned if the pool is exhausted.
func (p *ConnPoolTCP) Get(ctx context.Context) (conn net.Conn, err error) {
	for {
		var pc *pooledConn
		select {
		case pc = <-p.conns:
		default:
			if int(p.active.Add(1)) > p.maxConns {
				p.active.Add(-1)
				// Wait for an existing connection to be reused/discarded.
				select {
				case pc = <-p.conns:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				break
			}

			// Create a new one.
			conn, err = p.dial(ctx)
			if err != nil {
				log.Debugf("failed to connect to %s, error: %v", p.address, err)
				p.active.Add(-1)
				return nil, err
			}

			log.Debugf("created new connection to %s", p.address)
			return conn, nil
		}

		// Check connection health before reuse.
		if time.Since(pc.lastUsed) < maxIdleTime && p.isConnAlive(pc.conn) {
			log.Debugf("reuse idle connection to %s", p.address)
			return pc.conn, nil
		}

		log.Debugf("close stale connection to %s", p.address)
		pc.conn.Close()
		p.active.Add(-1)
	}
}

// Put returns a connection back to the pool, or closes it if idle pool full,
// or discards it.
func (p *ConnPoolTCP) Put(conn net.Conn, discard bool) {
	if discard || p.closed.Load() {
		conn.Close()
		p.active.Add(-1)
		log.Debugf("discarded connection to %s", p.address)
		return
	}

	pc := &pooledConn{
		conn:     conn,
		lastUsed: time.Now(),
	}
	select {
	case p.conns <- pc:
		// ok
	default:
		// Pool is full, close the connection.
		conn.Close()
		p.active.Add(-1)
		log.Debugf("pool full; closed connection to %s", p.address)
	}
}

// Close shuts down all idle connections.  Connections checked out are
// closed when they are put back.
func (p *ConnPoolTCP) Close() {
	p.closed.Store(true)
	for {
		select {
		case pc := <-p.conns:
			pc.conn.Close()
			p.active.Add(-1)
		default:
			return
		}
	}
}

// isConnAlive performs simple health check.
//
// NOTE: We could also perform a non-blocking read check to peek for EOF, but
// that would consume at least 1 byte data, which might be unacceptable (e.g.,
// TCP pipelining).  Generally speaking, the connection is only known to be
// healthy by actually using it.  Therefore, the exchange retries once on a
// fresh connection if a reused one turns out broken.
func (p *ConnPoolTCP) isConnAlive(conn net.Conn) bool {
	// Zero-byte write check
	conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := conn.Write([]byte{})
	conn.SetWriteDeadline(time.Time{}) // clear
	return err == nil
}

// ----------------------------------------------------------

// ConnPoolTLS wraps new TCP connections in TLS; the pooled connections
// are the established *tls.Conn.
type ConnPoolTLS struct {
	pool      *ConnPoolTCP
	tlsConfig *tls.Config
}

func NewConnPoolTLS(pool *ConnPoolTCP, config *tls.Config) *ConnPoolTLS {
	return &ConnPoolTLS{
		pool:      pool,
		tlsConfig: config,
	}
}

func (p *ConnPoolTLS) Get(ctx context.Context) (net.Conn, error) {
	conn, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		return tlsConn, nil
	}

	// New TCP connection, wrap in TLS and do handshake.
	tlsConn := tls.Client(conn, p.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Warnf("TLS handshake with %s failed: %v", p.pool.address, err)
		p.pool.Put(conn, true)
		return nil, err
	}

	cs := tlsConn.ConnectionState()
	log.Debugf("TLS connected: Version=%s, CipherSuite=%s, ServerName=%s, ALPN=%s",
		tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite),
		cs.ServerName, cs.NegotiatedProtocol)
	return tlsConn, nil
}

func (p *ConnPoolTLS) Put(conn net.Conn, discard bool) {
	p.pool.Put(conn, discard)
}

func (p *ConnPoolTLS) Close() {
	p.pool.Close()
}
