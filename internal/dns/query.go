package dns

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Question is a single entry of the question section.
type Question struct {
	Name  string
	Type  RecordType
	Class uint16
}

// BuildQuery assembles the wire form of a recursive query: header with RD
// set and QDCOUNT=1, the encoded QNAME (compressed against a per-query
// table), QTYPE and QCLASS=IN.
//
// PTR lookups of an address should go through BuildPTRQuery, which derives
// the in-addr.arpa owner name first.
func BuildQuery(id uint16, qtype RecordType, name string) ([]byte, error) {
	h := Header{
		ID:      id,
		Flags:   RDFlag,
		QDCount: 1,
	}

	// header + name + length bytes + terminator + type/class
	out := make([]byte, 0, HeaderSize+len(name)+2+4)
	out = appendHeader(out, h)

	table := make(map[string]int, 4)
	out, err := appendName(out, name, table)
	if err != nil {
		return nil, err
	}

	out = binary.BigEndian.AppendUint16(out, uint16(qtype))
	out = binary.BigEndian.AppendUint16(out, ClassIN)
	return out, nil
}

// BuildPTRQuery assembles a reverse lookup for an IPv4 address.
func BuildPTRQuery(id uint16, addr netip.Addr) ([]byte, error) {
	name, err := PTRName(addr)
	if err != nil {
		return nil, err
	}
	return BuildQuery(id, TypePTR, name)
}

// PTRName returns the in-addr.arpa owner name for an IPv4 address:
// "a.b.c.d" maps to "d.c.b.a.in-addr.arpa".
func PTRName(addr netip.Addr) (string, error) {
	if !addr.Is4() {
		return "", fmt.Errorf("%w: PTR lookups require an IPv4 address, got %s", ErrMalformed, addr)
	}
	o := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", o[3], o[2], o[1], o[0]), nil
}

// parseQuestion reads one question entry at *off.
func parseQuestion(msg []byte, off *int) (Question, error) {
	name, err := decodeName(msg, off)
	if err != nil {
		return Question{}, err
	}
	if *off+4 > len(msg) {
		return Question{}, fmt.Errorf("%w: truncated question", ErrMalformed)
	}
	q := Question{
		Name:  NormalizeName(name),
		Type:  RecordType(binary.BigEndian.Uint16(msg[*off : *off+2])),
		Class: binary.BigEndian.Uint16(msg[*off+2 : *off+4]),
	}
	*off += 4
	return q, nil
}

// DecodeQuestion extracts the first question of a message. Used to verify
// that an assembled query carries what the caller asked for, and by tests.
func DecodeQuestion(msg []byte) (Question, error) {
	off := 0
	h, err := parseHeader(msg, &off)
	if err != nil {
		return Question{}, err
	}
	if h.QDCount == 0 {
		return Question{}, fmt.Errorf("%w: empty question section", ErrMalformed)
	}
	return parseQuestion(msg, &off)
}
