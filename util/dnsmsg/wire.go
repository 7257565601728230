// SPDX-License-Identifier: MIT
//
// Message parsing and packing.
//

package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errTooLarge = errors.New("message too large")

// ParseHeader decodes the fixed header and returns it together with the
// question, answer, authority and additional counts.
func ParseHeader(msg []byte) (Header, [4]uint16, error) {
	var h Header
	var counts [4]uint16
	if len(msg) < headerLen {
		return h, counts, fmt.Errorf("header: %w", ErrTruncated)
	}
	h.ID = binary.BigEndian.Uint16(msg)
	h.setFlags(binary.BigEndian.Uint16(msg[2:]))
	for i := range counts {
		counts[i] = binary.BigEndian.Uint16(msg[4+2*i:])
	}
	return h, counts, nil
}

// Parse decodes a complete message.  Counts declared in the header are
// never trusted beyond what the buffer can hold.
func Parse(msg []byte) (*Message, error) {
	h, counts, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if counts[0] == 0 {
		return nil, fmt.Errorf("header: no question: %w", ErrUnsupportedFormat)
	}

	m := &Message{Header: h}
	off := headerLen

	m.Questions = make([]Question, 0, capacity(counts[0], len(msg)-off, minQuestionLen))
	for i := 0; i < int(counts[0]); i++ {
		name, next, err := readName(msg, off)
		if err != nil {
			return nil, fmt.Errorf("question %d at offset %d: %w", i, off, err)
		}
		q := Question{Name: name}
		off = next
		if off+4 > len(msg) {
			return nil, fmt.Errorf("question %d: %w", i, ErrTruncated)
		}
		q.Type = Type(binary.BigEndian.Uint16(msg[off:]))
		q.Class = Class(binary.BigEndian.Uint16(msg[off+2:]))
		off += 4
		m.Questions = append(m.Questions, q)
	}

	sections := []struct {
		name string
		rrs  *[]Resource
	}{
		{"answer", &m.Answers},
		{"authority", &m.Authorities},
		{"additional", &m.Additionals},
	}
	for si, sec := range sections {
		n := int(counts[si+1])
		if n == 0 {
			continue
		}
		rrs := make([]Resource, 0, capacity(counts[si+1], len(msg)-off, minResourceLen))
		for i := 0; i < n; i++ {
			rr, next, err := readResource(msg, off)
			if err != nil {
				return nil, fmt.Errorf("%s %d at offset %d: %w", sec.name, i, off, err)
			}
			rrs = append(rrs, rr)
			off = next
		}
		*sec.rrs = rrs
	}

	return m, nil
}

// capacity bounds a declared count by how many items could fit.
func capacity(count uint16, remaining, minLen int) int {
	return max(0, min(int(count), remaining/minLen))
}

func readResource(msg []byte, off int) (Resource, int, error) {
	var rr Resource
	var err error
	rr.Name, off, err = readName(msg, off)
	if err != nil {
		return rr, 0, err
	}
	if off+10 > len(msg) {
		return rr, 0, ErrTruncated
	}
	rr.Type = Type(binary.BigEndian.Uint16(msg[off:]))
	rr.Class = Class(binary.BigEndian.Uint16(msg[off+2:]))
	rr.TTL = binary.BigEndian.Uint32(msg[off+4:])
	length := int(binary.BigEndian.Uint16(msg[off+8:]))
	off += 10
	if off+length > len(msg) {
		return rr, 0, ErrTruncated
	}
	rr.Data, err = readRData(msg, off, length, rr.Type)
	if err != nil {
		return rr, 0, err
	}
	return rr, off + length, nil
}

// Layout of record data that embeds domain names: a fixed-size prefix,
// a number of names, and a fixed-size suffix.
type rdataLayout struct {
	prefix, names, suffix int
}

var rdataLayouts = map[Type]rdataLayout{
	TypeNS:    {0, 1, 0},
	TypeMD:    {0, 1, 0},
	TypeMF:    {0, 1, 0},
	TypeCNAME: {0, 1, 0},
	TypeMB:    {0, 1, 0},
	TypeMG:    {0, 1, 0},
	TypeMR:    {0, 1, 0},
	TypePTR:   {0, 1, 0},
	TypeDNAME: {0, 1, 0},
	TypeMX:    {2, 1, 0},
	TypeAFSDB: {2, 1, 0},
	TypeRT:    {2, 1, 0},
	TypeKX:    {2, 1, 0},
	TypeSRV:   {6, 1, 0},
	TypeMINFO: {0, 2, 0},
	TypeRP:    {0, 2, 0},
	TypeSOA:   {0, 2, 20},
}

// readRData copies the record data, expanding any compressed names so the
// result is position independent.
func readRData(msg []byte, off, length int, typ Type) ([]byte, error) {
	end := off + length
	layout, ok := rdataLayouts[typ]
	if !ok {
		return append([]byte(nil), msg[off:end]...), nil
	}

	if off+layout.prefix > end {
		return nil, ErrTruncated
	}
	data := make([]byte, 0, length+16)
	data = append(data, msg[off:off+layout.prefix]...)
	off += layout.prefix
	for range layout.names {
		wire, next, err := readNameWire(msg, off)
		if err != nil {
			return nil, err
		}
		if next > end {
			return nil, ErrTruncated
		}
		data = append(data, wire...)
		off = next
	}
	if end-off != layout.suffix {
		return nil, ErrTruncated
	}
	return append(data, msg[off:end]...), nil
}

// Pack serializes the message, compressing question and owner names.
func (m *Message) Pack() ([]byte, error) {
	return m.AppendPack(nil)
}

// AppendPack appends the serialized message to b.  Compression offsets
// are relative to the start of the message, not of b.
func (m *Message) AppendPack(b []byte) ([]byte, error) {
	counts := [4]int{len(m.Questions), len(m.Answers), len(m.Authorities), len(m.Additionals)}
	for _, n := range counts {
		if n > 0xFFFF {
			return nil, errTooLarge
		}
	}

	msg := make([]byte, 0, 512)
	msg = binary.BigEndian.AppendUint16(msg, m.ID)
	msg = binary.BigEndian.AppendUint16(msg, m.Header.flags())
	for _, n := range counts {
		msg = binary.BigEndian.AppendUint16(msg, uint16(n))
	}

	c := compressor{}
	var err error
	for i, q := range m.Questions {
		msg, err = appendName(msg, q.Name, c)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		msg = binary.BigEndian.AppendUint16(msg, uint16(q.Type))
		msg = binary.BigEndian.AppendUint16(msg, uint16(q.Class))
	}
	for _, rrs := range [][]Resource{m.Answers, m.Authorities, m.Additionals} {
		for i := range rrs {
			msg, err = rrs[i].appendPack(msg, c)
			if err != nil {
				return nil, err
			}
		}
	}
	if b == nil {
		return msg, nil
	}
	return append(b, msg...), nil
}

func (rr *Resource) appendPack(b []byte, c compressor) ([]byte, error) {
	if len(rr.Data) > 0xFFFF {
		return nil, fmt.Errorf("record %s: %w", rr.Name, errTooLarge)
	}
	b, err := appendName(b, rr.Name, c)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", rr.Name, err)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(rr.Type))
	b = binary.BigEndian.AppendUint16(b, uint16(rr.Class))
	b = binary.BigEndian.AppendUint32(b, rr.TTL)
	b = binary.BigEndian.AppendUint16(b, uint16(len(rr.Data)))
	return append(b, rr.Data...), nil
}
