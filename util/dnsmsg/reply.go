// SPDX-License-Identifier: MIT
//
// Synthesized responses and raw message helpers.
//

package dnsmsg

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// NewReply builds a response to the query with the given response code
// and answers.  The reply copies the ID, opcode, RD and CD bits and the
// question section, and echoes a minimal OPT record if the query had one.
func NewReply(query *Message, rcode RCode, answers ...Resource) *Message {
	r := &Message{
		Header: Header{
			ID:                 query.ID,
			Response:           true,
			OpCode:             query.OpCode,
			RecursionDesired:   query.RecursionDesired,
			RecursionAvailable: true,
			CheckingDisabled:   query.CheckingDisabled,
			RCode:              rcode,
		},
		Questions: append([]Question(nil), query.Questions...),
		Answers:   answers,
	}
	if query.OPT() != nil {
		r.Additionals = []Resource{NewOPT(EdnsUDPSize)}
	}
	return r
}

// NewServFail builds a SERVFAIL response to the query.
func NewServFail(query *Message) *Message {
	return NewReply(query, RCodeServerFailure)
}

// NewTruncated builds an empty response with the TC bit set, telling the
// client to retry over TCP.
func NewTruncated(query *Message) *Message {
	r := NewReply(query, RCodeSuccess)
	r.Truncated = true
	return r
}

// NewOPT returns an EDNS(0) pseudo record advertising the UDP payload size.
func NewOPT(udpSize uint16) Resource {
	return Resource{
		Name:  ".",
		Type:  TypeOPT,
		Class: Class(udpSize),
	}
}

// AddressRecord returns an A or AAAA record for the address.
func AddressRecord(name string, addr netip.Addr, ttl uint32) Resource {
	rr := Resource{
		Name:  name,
		Class: ClassINET,
		TTL:   ttl,
	}
	if addr.Is4() {
		a := addr.As4()
		rr.Type = TypeA
		rr.Data = a[:]
	} else {
		a := addr.As16()
		rr.Type = TypeAAAA
		rr.Data = a[:]
	}
	return rr
}

// Session info to track and distinguish one specific query and response.
type QuerySession struct {
	ID   uint16
	Type Type
	Name string // lower-cased
}

func (s *QuerySession) String() string {
	return fmt.Sprintf("%d:%s:%s", s.ID, s.Type, s.Name)
}

// RawMsg is a message in wire format, manipulated without a full parse.
type RawMsg []byte

func (m RawMsg) GetID() uint16 {
	if len(m) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(m)
}

func (m RawMsg) SetID(id uint16) {
	if len(m) < 2 {
		return
	}
	binary.BigEndian.PutUint16(m, id)
}

// SessionKey parses the header and the first question only, and composes
// the key identifying the query.
func (m RawMsg) SessionKey() (string, error) {
	h, counts, err := ParseHeader(m)
	if err != nil {
		return "", err
	}
	if counts[0] == 0 {
		return "", ErrUnsupportedFormat
	}
	name, off, err := readName(m, headerLen)
	if err != nil {
		return "", err
	}
	if off+4 > len(m) {
		return "", ErrTruncated
	}
	s := &QuerySession{
		ID:   h.ID,
		Type: Type(binary.BigEndian.Uint16(m[off:])),
		Name: strings.ToLower(name),
	}
	return s.String(), nil
}
