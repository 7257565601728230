// SPDX-License-Identifier: MIT
//
// Race one query against several upstreams and take the first valid
// response.
//

package dns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"detour/log"
	"detour/util/dnsmsg"
)

var (
	// No valid response arrived before the deadline.
	ErrAllUpstreamsFailed = errors.New("all upstreams failed")
	// Every upstream failed at the transport level.
	ErrAllUpstreamsUnreachable = errors.New("all upstreams unreachable")

	errNotResponse = errors.New("not a response")
)

// RaceResult is the winning response of a race.
type RaceResult struct {
	Response []byte
	Message  *dnsmsg.Message
	Upstream Exchanger
	Latency  time.Duration
}

type raceAttempt struct {
	index   int
	resp    []byte
	msg     *dnsmsg.Message
	err     error
	latency time.Duration
}

// Race sends the query unchanged to every target concurrently and returns
// the first response that parses, carries the query's ID and has the QR
// bit set, whatever its response code.  Losers are abandoned by canceling
// their context; their results land in a buffered channel and are dropped.
//
// When several valid responses are already available at the time the
// winner is picked, the one from the earliest target in the list wins.
// Which target wins a close race is otherwise unspecified.
func Race(
	ctx context.Context,
	query []byte,
	targets []Exchanger,
	timeout time.Duration,
) (*RaceResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no upstreams", ErrAllUpstreamsUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := dnsmsg.RawMsg(query).GetID()
	start := time.Now()
	results := make(chan *raceAttempt, len(targets))
	for i, t := range targets {
		go func() {
			a := &raceAttempt{index: i}
			a.resp, a.err = t.Exchange(ctx, query)
			if a.err == nil {
				a.msg, a.err = validateResponse(a.resp, id)
			}
			a.latency = time.Since(start)
			results <- a
		}()
	}

	failed := 0
	for failed < len(targets) {
		select {
		case a := <-results:
			if a.err != nil {
				log.Debugf("[%s] race attempt failed: %v", targets[a.index], a.err)
				failed++
				continue
			}
			a = pickEarliest(a, results)
			return &RaceResult{
				Response: a.resp,
				Message:  a.msg,
				Upstream: targets[a.index],
				Latency:  a.latency,
			}, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAllUpstreamsFailed, ctx.Err())
		}
	}

	// Attempts that failed because the deadline passed count as timeout.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllUpstreamsFailed, err)
	}
	return nil, ErrAllUpstreamsUnreachable
}

// pickEarliest drains the results that are already available and returns
// the valid one with the lowest target index.
func pickEarliest(best *raceAttempt, results <-chan *raceAttempt) *raceAttempt {
	for {
		select {
		case a := <-results:
			if a.err == nil && a.index < best.index {
				best = a
			}
		default:
			return best
		}
	}
}

func validateResponse(resp []byte, id uint16) (*dnsmsg.Message, error) {
	msg, err := dnsmsg.Parse(resp)
	if err != nil {
		return nil, err
	}
	if !msg.Response {
		return nil, errNotResponse
	}
	if msg.ID != id {
		return nil, errIDMismatch
	}
	return msg, nil
}
