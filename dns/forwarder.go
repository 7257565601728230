// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024-2025 Aaron LI
//
// UDP and TCP listeners passing the queries to the resolver.
//

package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"detour/log"
)

const (
	maxUDPQuerySize = 65535 // bytes
	minQuerySize    = 12    // bytes (header length)

	// Idle TCP connections are closed after this long.
	tcpIdleTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

var errNoResolver = errors.New("no resolver configured")

type Forwarder struct {
	Listen *ListenConfig // UDP+TCP protocols

	resolver *Resolver

	udpConn net.PacketConn
	tcpLn   net.Listener
	tcpMu   sync.Mutex
	tcpConn map[net.Conn]struct{} // open client connections

	cancel context.CancelFunc // cancel listeners to stop the forwarder
	wg     sync.WaitGroup     // wait for shutdown to complete
}

type ListenConfig struct {
	Address   netip.AddrPort
	ReusePort bool // SO_REUSEPORT, so several processes can share the port
}

// Set the address of UDP+TCP listeners.
func (f *Forwarder) SetListen(ip string, port uint16) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP address [%s]: %v", ip, err)
	}

	f.Listen = &ListenConfig{
		Address: netip.AddrPortFrom(addr, port),
	}
	return nil
}

func (f *Forwarder) SetResolver(r *Resolver) {
	f.resolver = r
}

// Addr returns the bound address; the port is the one actually chosen
// when listening on port 0.
func (f *Forwarder) Addr() netip.AddrPort {
	if f.udpConn == nil {
		return netip.AddrPort{}
	}
	return f.udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Stop closes the listeners and client connections, and waits for the
// in-flight queries to finish.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}

	f.tcpMu.Lock()
	for conn := range f.tcpConn {
		conn.Close()
	}
	f.tcpMu.Unlock()

	f.wg.Wait()
	log.Infof("forwarder stopped")
}

// Start the forwarder at the configured address.
// This function starts goroutines to serve the queries so it doesn't block.
func (f *Forwarder) Start() (err error) {
	if f.resolver == nil {
		return errNoResolver
	}
	if f.Listen == nil {
		log.Infof("no listen address configured")
		return
	}

	var closers []io.Closer // all opened connection/listeners
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
		}
	}()

	lc := net.ListenConfig{}
	if f.Listen.ReusePort {
		if reusePortControl == nil {
			log.Warnf("SO_REUSEPORT not supported on this platform")
		}
		lc.Control = reusePortControl
	}

	udpAddr := net.UDPAddrFromAddrPort(f.Listen.Address)
	udpConn, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		log.Errorf("failed to listen UDP at: %s, error: %v", udpAddr, err)
		return
	}
	closers = append(closers, udpConn)
	log.Infof("bound UDP forwarder at: %s", udpConn.LocalAddr())

	// Same port as UDP, also when it was chosen by the system.
	bound := udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
	tcpAddr := net.TCPAddrFromAddrPort(netip.AddrPortFrom(f.Listen.Address.Addr(), bound.Port()))
	tcpLn, err := lc.Listen(context.Background(), "tcp", tcpAddr.String())
	if err != nil {
		log.Errorf("failed to listen TCP at: %s, error: %v", tcpAddr, err)
		return
	}
	closers = append(closers, tcpLn)
	log.Infof("bound TCP forwarder at: %s", tcpLn.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.udpConn = udpConn
	f.tcpLn = tcpLn
	f.tcpConn = make(map[net.Conn]struct{})

	f.wg.Add(1)
	go f.serveUDP(ctx, udpConn)

	f.wg.Add(1)
	go f.serveTCP(ctx, tcpLn)

	return
}

// NOTE: This function blocks until Stop() is called.
func (f *Forwarder) serveUDP(ctx context.Context, conn net.PacketConn) {
	defer f.wg.Done()
	go func() {
		// Wait for cancellation from Stop().
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxUDPQuerySize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Infof("connection closed; stop UDP forwarder")
				return
			}

			log.Warnf("failed to read packet: %v", err)
			continue
		}
		if n < minQuerySize {
			log.Debugf("malformed query from %s: length=%d", addr, n)
			continue // Unable to make a sensible reply; just drop it.
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			resp := f.resolver.HandleQuery(ctx, msg, ProtoUDP)
			if resp == nil {
				return
			}
			if _, err := conn.WriteTo(resp, addr); err != nil {
				log.Warnf("failed to send packet to %s: %v", addr, err)
			}
		}()
	}
}

// NOTE: This function blocks until Stop() is called.
func (f *Forwarder) serveTCP(ctx context.Context, ln net.Listener) {
	defer f.wg.Done()
	go func() {
		// Wait for cancellation from Stop().
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Infof("listener closed; stop TCP forwarder")
				return
			}

			log.Warnf("failed to accept connection: %v", err)
			continue
		}

		f.tcpMu.Lock()
		if ctx.Err() != nil {
			f.tcpMu.Unlock()
			conn.Close()
			return
		}
		f.tcpConn[conn] = struct{}{}
		f.tcpMu.Unlock()

		f.wg.Add(1)
		go f.handleTCP(ctx, conn)
	}
}

// handleTCP serves the length-prefixed queries pipelined on one
// connection.  Queries are resolved concurrently; replies may be sent out
// of order, and writes are serialized.
func (f *Forwarder) handleTCP(ctx context.Context, conn net.Conn) {
	log.Debugf("handle TCP queries from %s", conn.RemoteAddr())

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer func() {
		inflight.Wait()
		conn.Close()
		f.tcpMu.Lock()
		delete(f.tcpConn, conn)
		f.tcpMu.Unlock()
		f.wg.Done()
	}()

	lbuf := make([]byte, 2)
	for {
		// read query length
		conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if _, err := io.ReadFull(conn, lbuf); err != nil {
			if errors.Is(err, io.EOF) {
				log.Debugf("remote closed connection")
			} else if errors.Is(err, net.ErrClosed) {
				log.Debugf("connection closed")
			} else if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Debugf("idle connection from %s timed out", conn.RemoteAddr())
			} else {
				log.Warnf("failed to read query length: %v", err)
			}
			return
		}
		// read query content
		length := binary.BigEndian.Uint16(lbuf)
		msg := make([]byte, length)
		if _, err := io.ReadFull(conn, msg); err != nil {
			log.Warnf("failed to read query content: %v", err)
			return
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := f.resolver.HandleQuery(ctx, msg, ProtoTCP)
			if resp == nil {
				// Malformed query; give up on this client.
				conn.Close()
				return
			}

			buf := make([]byte, 2+len(resp))
			binary.BigEndian.PutUint16(buf, uint16(len(resp)))
			copy(buf[2:], resp)

			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(buf); err != nil {
				log.Warnf("failed to send response to %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
