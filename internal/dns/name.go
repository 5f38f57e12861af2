package dns

import (
	"fmt"
	"strings"
)

// Compression pointers carry the two high bits of the length byte set and a
// 14-bit offset from the start of the message (RFC 1035 Section 4.1.4).
const (
	pointerMask   = 0xC0
	maxPointerOff = 1 << 14

	// maxPointerHops bounds pointer chains so a crafted message cannot
	// loop the decoder.
	maxPointerHops = 16
)

// NormalizeName lowercases a domain name and drops trailing dots, for
// case-insensitive comparisons per RFC 4343.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimRight(name, "."))
}

// appendName encodes a domain name as a label sequence, compressing against
// names already emitted into the same message. table maps a normalized name
// suffix to the message offset where its encoding starts; it is scoped to a
// single query and filled as labels are written.
//
// Compression replaces the longest known suffix with a two-byte pointer, so
// "mail.example.com" after "example.com" encodes as [4]mail + pointer.
func appendName(dst []byte, name string, table map[string]int) ([]byte, error) {
	name = strings.TrimRight(name, ".")
	if name == "" {
		return append(dst, 0), nil
	}
	if len(name)+2 > MaxNameLen {
		return nil, fmt.Errorf("%w: name too long: %q", ErrMalformed, name)
	}

	rest := name
	for rest != "" {
		if table != nil {
			if off, ok := table[NormalizeName(rest)]; ok && off < maxPointerOff {
				dst = append(dst, pointerMask|byte(off>>8), byte(off))
				return dst, nil
			}
		}

		label := rest
		tail := ""
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			label, tail = rest[:i], rest[i+1:]
		}
		if label == "" {
			return nil, fmt.Errorf("%w: empty label in %q", ErrMalformed, name)
		}
		if len(label) > MaxLabelLen {
			return nil, fmt.Errorf("%w: label too long (%d > %d): %q", ErrMalformed, len(label), MaxLabelLen, label)
		}
		for i := 0; i < len(label); i++ {
			if label[i] > 0x7F {
				return nil, fmt.Errorf("%w: name must be ASCII: %q", ErrMalformed, name)
			}
		}

		if table != nil && len(dst) < maxPointerOff {
			table[NormalizeName(rest)] = len(dst)
		}
		dst = append(dst, byte(len(label)))
		dst = append(dst, label...)
		rest = tail
	}

	return append(dst, 0), nil
}

// decodeName reads a possibly-compressed name from msg at *off, advancing
// *off past the bytes the name occupies in place (a pointer occupies two).
// Returns a dot-separated ASCII name without a trailing dot.
func decodeName(msg []byte, off *int) (string, error) {
	var b strings.Builder
	pos := *off
	hops := 0
	endSet := false

	for {
		if pos < 0 || pos >= len(msg) {
			return "", fmt.Errorf("%w: truncated name", ErrMalformed)
		}
		c := int(msg[pos])

		switch {
		case c == 0:
			if !endSet {
				*off = pos + 1
			}
			return b.String(), nil

		case c&pointerMask == pointerMask:
			if pos+1 >= len(msg) {
				return "", fmt.Errorf("%w: truncated compression pointer", ErrMalformed)
			}
			target := (c&^pointerMask)<<8 | int(msg[pos+1])
			if !endSet {
				*off = pos + 2
				endSet = true
			}
			hops++
			if hops > maxPointerHops {
				return "", fmt.Errorf("%w: compression pointer loop", ErrMalformed)
			}
			if target >= pos {
				// Forward pointers never occur in well-formed messages
				// and make loops trivial to build.
				return "", fmt.Errorf("%w: forward compression pointer", ErrMalformed)
			}
			pos = target

		case c&pointerMask != 0:
			return "", fmt.Errorf("%w: reserved label type %#02x", ErrMalformed, c&pointerMask)

		default:
			if pos+1+c > len(msg) {
				return "", fmt.Errorf("%w: truncated label", ErrMalformed)
			}
			label := msg[pos+1 : pos+1+c]
			for _, ch := range label {
				if ch > 0x7F {
					return "", fmt.Errorf("%w: non-ASCII label", ErrMalformed)
				}
			}
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.Write(label)
			if b.Len() > MaxNameLen {
				return "", fmt.Errorf("%w: decoded name too long", ErrMalformed)
			}
			pos += 1 + c
		}
	}
}

// skipName advances *off past an encoded owner name without decoding it.
func skipName(msg []byte, off *int) error {
	pos := *off
	for {
		if pos >= len(msg) {
			return fmt.Errorf("%w: truncated name", ErrMalformed)
		}
		c := int(msg[pos])
		switch {
		case c == 0:
			*off = pos + 1
			return nil
		case c&pointerMask == pointerMask:
			if pos+1 >= len(msg) {
				return fmt.Errorf("%w: truncated compression pointer", ErrMalformed)
			}
			*off = pos + 2
			return nil
		case c&pointerMask != 0:
			return fmt.Errorf("%w: reserved label type %#02x", ErrMalformed, c&pointerMask)
		default:
			pos += 1 + c
		}
	}
}
