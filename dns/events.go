// SPDX-License-Identifier: MIT
//
// Per-query events emitted by the resolver.
//

package dns

import (
	"time"

	"detour/log"
	"detour/util/dnsmsg"
)

type Outcome string

const (
	OutcomeForwarded Outcome = "FORWARDED"
	OutcomeCached    Outcome = "CACHED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeFailed    Outcome = "FAILED"
)

// Event describes how one query was resolved.
type Event struct {
	Time    time.Time
	Domain  string // normalized query name
	Type    dnsmsg.Type
	Proto   Proto // client transport
	Outcome Outcome
	RCode   dnsmsg.RCode
	Total   time.Duration

	// Only set for forwarded queries.
	UpstreamLatency time.Duration
	Upstream        string
}

// EventSink consumes events.  Record is called on the query path, so it
// must not block.
type EventSink interface {
	Record(ev *Event)
}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

func (ms MultiSink) Record(ev *Event) {
	for _, s := range ms {
		s.Record(ev)
	}
}

// LogSink writes one line per event: at info level if Verbose, otherwise
// at debug level.
type LogSink struct {
	Verbose bool
}

func (s LogSink) Record(ev *Event) {
	logf := log.Debugf
	if s.Verbose {
		logf = log.Infof
	}
	if ev.Outcome == OutcomeForwarded {
		logf("%s %s %s/%s %s total=%s upstream=%s (%s)",
			ev.Outcome, ev.Proto, ev.Domain, ev.Type, ev.RCode,
			ev.Total, ev.Upstream, ev.UpstreamLatency)
		return
	}
	logf("%s %s %s/%s %s total=%s",
		ev.Outcome, ev.Proto, ev.Domain, ev.Type, ev.RCode, ev.Total)
}

type nopSink struct{}

func (nopSink) Record(*Event) {}
