// SPDX-License-Identifier: MIT
//
// DNS message (RFC 1035) wire format: types and constants.
//

package dnsmsg

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	headerLen = 12

	// Bounds on the wire format of a name.
	maxLabelLen = 63
	maxNameLen  = 255
	// Maximum compression pointers followed while decoding one name.
	maxPointerHops = 128

	// Smallest possible question and resource record (root name).
	minQuestionLen = 1 + 4
	minResourceLen = 1 + 10

	// UDP payload size without EDNS(0).
	MinUDPSize = 512
	// UDP payload size advertised in synthesized OPT records. RFC 6891
	EdnsUDPSize = 1232
)

var (
	// A read ran past the end of the buffer.
	ErrTruncated = errors.New("message truncated")
	// Too many compression pointers were followed for one name.
	ErrCompressionLoop = errors.New("compression pointer loop")
	// A label is malformed, runs past the buffer, or the name is too long.
	ErrInvalidLabel = errors.New("invalid label")
	// The header declares a combination that cannot be processed.
	ErrUnsupportedFormat = errors.New("unsupported message format")
)

type Type uint16

const (
	TypeA     Type = 1
	TypeNS    Type = 2
	TypeMD    Type = 3
	TypeMF    Type = 4
	TypeCNAME Type = 5
	TypeSOA   Type = 6
	TypeMB    Type = 7
	TypeMG    Type = 8
	TypeMR    Type = 9
	TypePTR   Type = 12
	TypeMINFO Type = 14
	TypeMX    Type = 15
	TypeTXT   Type = 16
	TypeRP    Type = 17
	TypeAFSDB Type = 18
	TypeRT    Type = 21
	TypeAAAA  Type = 28
	TypeSRV   Type = 33
	TypeKX    Type = 36
	TypeDNAME Type = 39
	TypeOPT   Type = 41
)

// String returns the mnemonic, e.g., "AAAA", or "TYPE65280" if unknown.
func (t Type) String() string {
	s := dnsmessage.Type(t).String()
	if name, ok := strings.CutPrefix(s, "Type"); ok {
		return name
	}
	return "TYPE" + s
}

type Class uint16

const ClassINET Class = 1

func (c Class) String() string {
	s := dnsmessage.Class(c).String()
	if name, ok := strings.CutPrefix(s, "Class"); ok {
		return name
	}
	return "CLASS" + s
}

type RCode uint8

const (
	RCodeSuccess        RCode = 0
	RCodeFormatError    RCode = 1
	RCodeServerFailure  RCode = 2
	RCodeNameError      RCode = 3
	RCodeNotImplemented RCode = 4
	RCodeRefused        RCode = 5
)

func (r RCode) String() string {
	switch r {
	case RCodeSuccess:
		return "NOERROR"
	case RCodeFormatError:
		return "FORMERR"
	case RCodeServerFailure:
		return "SERVFAIL"
	case RCodeNameError:
		return "NXDOMAIN"
	case RCodeNotImplemented:
		return "NOTIMP"
	case RCodeRefused:
		return "REFUSED"
	default:
		return "RCODE" + strconv.Itoa(int(r))
	}
}

type OpCode uint8

// Header flag bits.
const (
	flagQR = 1 << 15
	flagAA = 1 << 10
	flagTC = 1 << 9
	flagRD = 1 << 8
	flagRA = 1 << 7
	flagAD = 1 << 5
	flagCD = 1 << 4
)

type Header struct {
	ID                 uint16
	Response           bool
	OpCode             OpCode
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	AuthenticData      bool
	CheckingDisabled   bool
	RCode              RCode
}

func (h *Header) flags() uint16 {
	f := uint16(h.OpCode&0xF)<<11 | uint16(h.RCode&0xF)
	if h.Response {
		f |= flagQR
	}
	if h.Authoritative {
		f |= flagAA
	}
	if h.Truncated {
		f |= flagTC
	}
	if h.RecursionDesired {
		f |= flagRD
	}
	if h.RecursionAvailable {
		f |= flagRA
	}
	if h.AuthenticData {
		f |= flagAD
	}
	if h.CheckingDisabled {
		f |= flagCD
	}
	return f
}

func (h *Header) setFlags(f uint16) {
	h.Response = f&flagQR != 0
	h.OpCode = OpCode(f>>11) & 0xF
	h.Authoritative = f&flagAA != 0
	h.Truncated = f&flagTC != 0
	h.RecursionDesired = f&flagRD != 0
	h.RecursionAvailable = f&flagRA != 0
	h.AuthenticData = f&flagAD != 0
	h.CheckingDisabled = f&flagCD != 0
	h.RCode = RCode(f & 0xF)
}

type Question struct {
	Name  string // fully qualified, e.g., "www.example.com."
	Type  Type
	Class Class
}

// Resource is a resource record.  Data is kept in uncompressed wire form.
type Resource struct {
	Name  string
	Type  Type
	Class Class
	TTL   uint32
	Data  []byte
}

type Message struct {
	Header
	Questions   []Question
	Answers     []Resource
	Authorities []Resource
	Additionals []Resource
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		Header:      m.Header,
		Questions:   append([]Question(nil), m.Questions...),
		Answers:     cloneResources(m.Answers),
		Authorities: cloneResources(m.Authorities),
		Additionals: cloneResources(m.Additionals),
	}
	return c
}

func cloneResources(rrs []Resource) []Resource {
	if rrs == nil {
		return nil
	}
	c := make([]Resource, len(rrs))
	for i, rr := range rrs {
		c[i] = rr
		c[i].Data = append([]byte(nil), rr.Data...)
	}
	return c
}

// OPT returns the EDNS(0) pseudo record, or nil if absent.
func (m *Message) OPT() *Resource {
	for i := range m.Additionals {
		if m.Additionals[i].Type == TypeOPT {
			return &m.Additionals[i]
		}
	}
	return nil
}

// MaxUDPSize returns the UDP payload size the sender of m can receive.
func (m *Message) MaxUDPSize() int {
	if opt := m.OPT(); opt != nil && int(opt.Class) > MinUDPSize {
		return int(opt.Class)
	}
	return MinUDPSize
}

// MinTTL returns the smallest TTL among the answer records.
// The boolean is false if there are no answers.
func (m *Message) MinTTL() (uint32, bool) {
	if len(m.Answers) == 0 {
		return 0, false
	}
	ttl := m.Answers[0].TTL
	for _, rr := range m.Answers[1:] {
		ttl = min(ttl, rr.TTL)
	}
	return ttl, true
}

// NegativeTTL returns the negative caching TTL (RFC 2308 section 5) derived
// from the SOA record in the authority section.
func (m *Message) NegativeTTL() (uint32, bool) {
	for _, rr := range m.Authorities {
		if rr.Type != TypeSOA || len(rr.Data) < 20 {
			continue
		}
		d := rr.Data[len(rr.Data)-4:]
		minimum := uint32(d[0])<<24 | uint32(d[1])<<16 | uint32(d[2])<<8 | uint32(d[3])
		return min(rr.TTL, minimum), true
	}
	return 0, false
}

// CapTTLs lowers every record TTL above limit to limit.  OPT records are
// skipped since their TTL field holds flags.
func (m *Message) CapTTLs(limit uint32) {
	m.eachTTL(func(ttl uint32) uint32 {
		return min(ttl, limit)
	})
}

// AgeTTLs decreases every record TTL by age seconds.  A non-zero TTL
// never drops below 1.
func (m *Message) AgeTTLs(age uint32) {
	m.eachTTL(func(ttl uint32) uint32 {
		switch {
		case ttl > age:
			return ttl - age
		case ttl > 0:
			return 1
		default:
			return 0
		}
	})
}

func (m *Message) eachTTL(f func(uint32) uint32) {
	for _, rrs := range [][]Resource{m.Answers, m.Authorities, m.Additionals} {
		for i := range rrs {
			if rrs[i].Type != TypeOPT {
				rrs[i].TTL = f(rrs[i].TTL)
			}
		}
	}
}
