package dns

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Answer is one parsed answer record. The populated payload field depends
// on Type: Addr for A, Target for PTR/NS, Pref+Target for MX, Text for TXT.
type Answer struct {
	Type RecordType
	TTL  uint32

	Addr   netip.Addr
	Target string
	Pref   uint16
	Text   []string
}

// Reply is a parsed response message.
//
// Parsing is fail-closed: a record whose declared length runs past the
// message, or whose RDATA is inconsistent with its type, truncates the
// answer list at the preceding record and sets Truncated. Callers still see
// the answers that decoded cleanly.
type Reply struct {
	ID        uint16
	RCode     RCode
	Truncated bool
	Question  Question
	Answers   []Answer
}

// ParseReply decodes a response datagram. It rejects messages that are not
// responses (QR clear) or that carry no question to match against; answer
// records beyond the first malformed one are dropped per the Truncated
// contract.
func ParseReply(msg []byte) (*Reply, error) {
	off := 0
	h, err := parseHeader(msg, &off)
	if err != nil {
		return nil, err
	}
	if h.Flags&QRFlag == 0 {
		return nil, fmt.Errorf("%w: QR flag clear, not a response", ErrMalformed)
	}
	if h.QDCount != 1 {
		return nil, fmt.Errorf("%w: unexpected question count %d", ErrMalformed, h.QDCount)
	}

	q, err := parseQuestion(msg, &off)
	if err != nil {
		return nil, err
	}

	rep := &Reply{
		ID:        h.ID,
		RCode:     RCodeFromFlags(h.Flags),
		Question:  q,
		Truncated: h.Flags&TCFlag != 0 || len(msg) > MaxUDPPacketSize,
	}

	for i := 0; i < int(h.ANCount); i++ {
		ans, ok := parseAnswer(msg, &off)
		if !ok {
			rep.Truncated = true
			break
		}
		rep.Answers = append(rep.Answers, ans)
	}
	return rep, nil
}

// parseAnswer decodes one answer record at *off. The boolean result is
// false when the record does not decode cleanly; *off is then undefined and
// the caller must stop walking the section.
func parseAnswer(msg []byte, off *int) (Answer, bool) {
	if err := skipName(msg, off); err != nil {
		return Answer{}, false
	}
	if *off+10 > len(msg) {
		return Answer{}, false
	}
	rrType := RecordType(binary.BigEndian.Uint16(msg[*off : *off+2]))
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10

	start := *off
	if start+rdlen > len(msg) {
		return Answer{}, false
	}

	ans := Answer{Type: rrType, TTL: ttl}
	if rrClass != ClassIN {
		// Foreign-class records are skipped, not fatal.
		*off = start + rdlen
		return ans, true
	}

	switch rrType {
	case TypeA:
		if rdlen != 4 {
			return Answer{}, false
		}
		ans.Addr = netip.AddrFrom4([4]byte(msg[start : start+4]))
		*off = start + 4

	case TypePTR, TypeNS:
		name, err := decodeName(msg, off)
		if err != nil || *off-start != rdlen {
			return Answer{}, false
		}
		ans.Target = NormalizeName(name)

	case TypeMX:
		if rdlen < 3 || *off+2 > len(msg) {
			return Answer{}, false
		}
		ans.Pref = binary.BigEndian.Uint16(msg[*off : *off+2])
		*off += 2
		name, err := decodeName(msg, off)
		if err != nil || *off-start != rdlen {
			return Answer{}, false
		}
		ans.Target = NormalizeName(name)

	case TypeTXT:
		end := start + rdlen
		for p := start; p < end; {
			n := int(msg[p])
			p++
			if p+n > end {
				return Answer{}, false
			}
			ans.Text = append(ans.Text, string(msg[p:p+n]))
			p += n
		}
		*off = end

	default:
		// Unknown RDATA is carried opaque-free: skip it.
		*off = start + rdlen
	}

	return ans, true
}
