// SPDX-License-Identifier: MIT
//
// Resolver: decide whether to block, answer from cache, or forward each
// query.
//

package dns

import (
	"context"
	"crypto/x509"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"detour/log"
	"detour/util/dnsmsg"
)

const (
	DefaultTimeout       = 2 * time.Second
	DefaultMaxConcurrent = 1024
)

// Options is the resolved configuration of a Resolver.
type Options struct {
	Upstreams []*Upstream
	RootCAs   *x509.CertPool // for TLS upstreams; nil means the system pool
	// Deadline of each race.
	Timeout time.Duration
	// Cap on concurrent races; beyond it queries are refused.  A negative
	// value removes the cap.
	MaxConcurrent int

	Cache CacheConfig

	Blocklist   *Blocklist
	BlockPolicy BlockPolicy

	Sink EventSink
}

type Resolver struct {
	upstreams []Exchanger
	closers   []*Upstream
	timeout   time.Duration
	races     *semaphore.Weighted // nil means unlimited
	flights   singleflight.Group

	cache     *Cache
	blocklist *Blocklist
	policy    BlockPolicy
	sink      EventSink
}

func NewResolver(opts *Options) *Resolver {
	r := &Resolver{
		timeout:   opts.Timeout,
		cache:     NewCache(opts.Cache),
		blocklist: opts.Blocklist,
		policy:    opts.BlockPolicy,
		sink:      opts.Sink,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	switch {
	case opts.MaxConcurrent == 0:
		r.races = semaphore.NewWeighted(DefaultMaxConcurrent)
	case opts.MaxConcurrent > 0:
		r.races = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	if r.sink == nil {
		r.sink = nopSink{}
	}
	for _, u := range opts.Upstreams {
		if opts.RootCAs != nil {
			u.SetRootCAs(opts.RootCAs)
		}
		r.upstreams = append(r.upstreams, u)
		r.closers = append(r.closers, u)
	}
	return r
}

func (r *Resolver) Cache() *Cache {
	return r.cache
}

func (r *Resolver) Blocklist() *Blocklist {
	return r.blocklist
}

// Upstreams returns the names of the raced upstreams.
func (r *Resolver) Upstreams() []string {
	names := make([]string, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		names = append(names, u.String())
	}
	return names
}

// Close stops the cache sweep and closes idle upstream connections.
func (r *Resolver) Close() {
	r.cache.Close()
	for _, u := range r.closers {
		u.Close()
	}
}

type flightResult struct {
	race *RaceResult
	err  error
}

// HandleQuery resolves one query in wire format and returns the response
// to send back over proto, or nil if the query is malformed and must be
// dropped.  Once a query parses, it is always answered.
func (r *Resolver) HandleQuery(ctx context.Context, query []byte, proto Proto) []byte {
	start := time.Now()
	qmsg, err := dnsmsg.Parse(query)
	if err != nil {
		log.Debugf("dropped malformed query (len=%d): %v", len(query), err)
		return nil
	}
	if qmsg.Response {
		log.Debugf("dropped unsolicited response (id=%d)", qmsg.ID)
		return nil
	}

	q := qmsg.Questions[0]
	ev := &Event{
		Time:   start,
		Domain: dnsmsg.NormalizeName(q.Name),
		Type:   q.Type,
		Proto:  proto,
	}

	var resp *dnsmsg.Message
	key := CacheKey{Name: ev.Domain, Type: q.Type, Class: q.Class}
	if r.blocklist.IsBlocked(ev.Domain) {
		ev.Outcome = OutcomeBlocked
		resp = r.policy.Reply(qmsg)
	} else if cached, ok := r.cache.Get(key, start); ok {
		ev.Outcome = OutcomeCached
		resp = r.adapt(cached, qmsg)
	} else {
		resp = r.forward(ctx, qmsg, query, key, ev)
	}

	buf := r.pack(resp, qmsg, proto)
	ev.RCode = resp.RCode
	ev.Total = time.Since(start)
	r.sink.Record(ev)
	return buf
}

// forward races the query against the upstreams.  Identical concurrent
// misses share one race.
func (r *Resolver) forward(
	ctx context.Context,
	qmsg *dnsmsg.Message,
	query []byte,
	key CacheKey,
	ev *Event,
) *dnsmsg.Message {
	if r.races != nil {
		if !r.races.TryAcquire(1) {
			log.Warnf("too many concurrent queries; refused %s", key)
			ev.Outcome = OutcomeFailed
			return dnsmsg.NewReply(qmsg, dnsmsg.RCodeRefused)
		}
		defer r.races.Release(1)
	}

	v, _, _ := r.flights.Do(key.String(), func() (any, error) {
		res, err := Race(ctx, query, r.upstreams, r.timeout)
		if err == nil {
			r.cache.Put(key, res.Message, time.Now())
		}
		return &flightResult{race: res, err: err}, nil
	})
	fr := v.(*flightResult)
	if fr.err != nil {
		log.Debugf("failed to resolve %s: %v", key, fr.err)
		ev.Outcome = OutcomeFailed
		return dnsmsg.NewServFail(qmsg)
	}

	ev.Outcome = OutcomeForwarded
	ev.Upstream = fr.race.Upstream.String()
	ev.UpstreamLatency = fr.race.Latency
	return r.adapt(fr.race.Message.Clone(), qmsg)
}

// adapt turns a response obtained for another query into the response to
// this one: same ID and question, and no OPT record unless asked for.
func (r *Resolver) adapt(resp, qmsg *dnsmsg.Message) *dnsmsg.Message {
	resp.ID = qmsg.ID
	resp.Questions = append(resp.Questions[:0], qmsg.Questions...)
	if qmsg.OPT() == nil && resp.OPT() != nil {
		additionals := resp.Additionals[:0]
		for _, rr := range resp.Additionals {
			if rr.Type != dnsmsg.TypeOPT {
				additionals = append(additionals, rr)
			}
		}
		resp.Additionals = additionals
	}
	return resp
}

// pack serializes the response, replacing it with a truncated reply if
// it exceeds what a UDP client can receive.
func (r *Resolver) pack(resp, qmsg *dnsmsg.Message, proto Proto) []byte {
	buf, err := resp.Pack()
	if err != nil {
		log.Errorf("failed to pack response: %v", err)
		resp.RCode = dnsmsg.RCodeServerFailure
		buf, _ = dnsmsg.NewServFail(qmsg).Pack()
		return buf
	}
	if proto == ProtoUDP && len(buf) > qmsg.MaxUDPSize() {
		log.Debugf("response too large for UDP (%d > %d); truncated",
			len(buf), qmsg.MaxUDPSize())
		buf, _ = dnsmsg.NewTruncated(qmsg).Pack()
	}
	return buf
}
