// SPDX-License-Identifier: MIT
//
// Domain name encoding and decoding, with compression pointers.
//

package dnsmsg

import (
	"strings"
)

// readNameWire decodes the name starting at off and returns it in
// uncompressed wire form, together with the offset just past the name
// at its original position.
func readNameWire(msg []byte, off int) ([]byte, int, error) {
	wire := make([]byte, 0, 32)
	end := -1
	hops := 0
	for {
		if off >= len(msg) {
			return nil, 0, ErrTruncated
		}
		c := int(msg[off])
		switch c & 0xC0 {
		case 0x00:
			off++
			if c == 0 {
				wire = append(wire, 0)
				if end < 0 {
					end = off
				}
				return wire, end, nil
			}
			if off+c > len(msg) {
				return nil, 0, ErrInvalidLabel
			}
			// Leave room for the root label.
			if len(wire)+1+c+1 > maxNameLen {
				return nil, 0, ErrInvalidLabel
			}
			wire = append(wire, byte(c))
			wire = append(wire, msg[off:off+c]...)
			off += c
		case 0xC0:
			if off+1 >= len(msg) {
				return nil, 0, ErrTruncated
			}
			if end < 0 {
				end = off + 2
			}
			hops++
			if hops > maxPointerHops {
				return nil, 0, ErrCompressionLoop
			}
			off = (c&0x3F)<<8 | int(msg[off+1])
		default:
			// 0x40 and 0x80 are reserved label types.
			return nil, 0, ErrInvalidLabel
		}
	}
}

// readName decodes the name starting at off into presentation form.
func readName(msg []byte, off int) (string, int, error) {
	wire, end, err := readNameWire(msg, off)
	if err != nil {
		return "", 0, err
	}
	return wireToString(wire), end, nil
}

// wireToString converts an uncompressed, validated wire name into its
// fully-qualified presentation form.
func wireToString(wire []byte) string {
	if len(wire) <= 1 {
		return "."
	}
	var sb strings.Builder
	sb.Grow(len(wire) + 8)
	for i := 0; i < len(wire) && wire[i] != 0; {
		n := int(wire[i])
		for _, b := range wire[i+1 : i+1+n] {
			switch {
			case b == '.' || b == '\\':
				sb.WriteByte('\\')
				sb.WriteByte(b)
			case b < '!' || b > '~':
				sb.WriteByte('\\')
				sb.WriteByte('0' + b/100)
				sb.WriteByte('0' + b/10%10)
				sb.WriteByte('0' + b%10)
			default:
				sb.WriteByte(b)
			}
		}
		sb.WriteByte('.')
		i += 1 + n
	}
	return sb.String()
}

// encodeName converts a presentation name (trailing dot optional) into
// uncompressed wire form.  It also returns the offset of every label so
// that suffixes can be located for compression.
func encodeName(name string) ([]byte, []int, error) {
	if name == "" || name == "." {
		return []byte{0}, nil, nil
	}

	wire := make([]byte, 0, len(name)+2)
	var starts []int
	label := make([]byte, 0, maxLabelLen)
	flush := func() error {
		if len(label) == 0 || len(label) > maxLabelLen {
			return ErrInvalidLabel
		}
		starts = append(starts, len(wire))
		wire = append(wire, byte(len(label)))
		wire = append(wire, label...)
		label = label[:0]
		return nil
	}

	for i := 0; i < len(name); i++ {
		b := name[i]
		switch b {
		case '.':
			if err := flush(); err != nil {
				return nil, nil, err
			}
		case '\\':
			if i+1 >= len(name) {
				return nil, nil, ErrInvalidLabel
			}
			if isDigit(name[i+1]) {
				if i+3 >= len(name) || !isDigit(name[i+2]) || !isDigit(name[i+3]) {
					return nil, nil, ErrInvalidLabel
				}
				v := int(name[i+1]-'0')*100 + int(name[i+2]-'0')*10 + int(name[i+3]-'0')
				if v > 255 {
					return nil, nil, ErrInvalidLabel
				}
				label = append(label, byte(v))
				i += 3
			} else {
				label = append(label, name[i+1])
				i++
			}
		default:
			label = append(label, b)
		}
	}
	if len(label) > 0 {
		if err := flush(); err != nil {
			return nil, nil, err
		}
	}
	wire = append(wire, 0)
	if len(wire) > maxNameLen {
		return nil, nil, ErrInvalidLabel
	}
	return wire, starts, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// compressor remembers where name suffixes were written in a message.
type compressor map[string]int

// appendName appends the wire form of name to b, replacing the longest
// suffix already present in the message with a pointer.  A nil
// compressor disables compression.
func appendName(b []byte, name string, c compressor) ([]byte, error) {
	wire, starts, err := encodeName(name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return append(b, wire...), nil
	}
	for i, s := range starts {
		if ptr, ok := c[string(wire[s:])]; ok {
			c.record(len(b), wire, starts[:i])
			b = append(b, wire[:s]...)
			return append(b, byte(0xC0|ptr>>8), byte(ptr)), nil
		}
	}
	c.record(len(b), wire, starts)
	return append(b, wire...), nil
}

// record remembers the suffixes of a name written at offset base.
// Pointers can only address the first 16 KiB of a message.
func (c compressor) record(base int, wire []byte, starts []int) {
	for _, s := range starts {
		if off := base + s; off <= 0x3FFF {
			c[string(wire[s:])] = off
		}
	}
}

// NormalizeName lowercases ASCII letters and strips the trailing dot.
// The root name becomes "".
func NormalizeName(name string) string {
	name = strings.TrimSuffix(name, ".")
	for i := 0; i < len(name); i++ {
		if c := name[i]; c >= 'A' && c <= 'Z' {
			return strings.ToLower(name)
		}
	}
	return name
}
