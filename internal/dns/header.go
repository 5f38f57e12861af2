package dns

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 12-byte DNS message header (RFC 1035 Section 4.1.1).
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// HeaderSize is the fixed size of a DNS header in bytes.
const HeaderSize = 12

// appendHeader serializes the header in network byte order.
func appendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.ID)
	dst = binary.BigEndian.AppendUint16(dst, h.Flags)
	dst = binary.BigEndian.AppendUint16(dst, h.QDCount)
	dst = binary.BigEndian.AppendUint16(dst, h.ANCount)
	dst = binary.BigEndian.AppendUint16(dst, h.NSCount)
	dst = binary.BigEndian.AppendUint16(dst, h.ARCount)
	return dst
}

// parseHeader reads the header at the start of msg and advances *off.
func parseHeader(msg []byte, off *int) (Header, error) {
	if *off+HeaderSize > len(msg) {
		return Header{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	b := msg[*off:]
	h := Header{
		ID:      binary.BigEndian.Uint16(b[0:2]),
		Flags:   binary.BigEndian.Uint16(b[2:4]),
		QDCount: binary.BigEndian.Uint16(b[4:6]),
		ANCount: binary.BigEndian.Uint16(b[6:8]),
		NSCount: binary.BigEndian.Uint16(b[8:10]),
		ARCount: binary.BigEndian.Uint16(b[10:12]),
	}
	*off += HeaderSize
	return h, nil
}
