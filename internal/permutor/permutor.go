// Package permutor implements a keyed permutation generator over an integer
// range, used to allocate DNS transaction IDs that never repeat within one
// full cycle of the range.
//
// The construction is a Luby-Rackoff balanced Feistel network using TEA as
// the round function. The range is rounded up to an even power-of-two bit
// width; outputs that fall outside the requested range are discarded and the
// walk continues (cycle-walking), which preserves the permutation property
// over arbitrary range sizes.
package permutor

import (
	"fmt"
	"io"

	prng "github.com/sixafter/prng-chacha"
)

// TEA parameters (Wheeler & Needham, 1994).
const (
	teaCycles = 32
	teaMagic  = 0x9E3779B9

	feistelRounds = 8
)

// Permutor steps through a keyed permutation of [low, high].
//
// Not safe for concurrent use; callers are expected to drive it from a
// single event-loop goroutine.
type Permutor struct {
	key [4]uint32

	stepi  uint32
	length uint32 // size of the output set
	limit  uint32 // high bound of the output range
	shift  uint   // bits per Feistel half
	mask   uint32
}

// New creates a permutor over [low, high] with a key drawn from a
// ChaCha20-based CSPRNG.
func New(low, high uint32) (*Permutor, error) {
	var key [4]uint32
	var raw [16]byte
	if _, err := io.ReadFull(prng.Reader, raw[:]); err != nil {
		return nil, fmt.Errorf("permutor: cannot seed key: %w", err)
	}
	for i := range key {
		key[i] = uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 |
			uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
	}
	return NewWithKey(low, high, key)
}

// NewWithKey creates a permutor with an explicit key. Used by tests that
// need deterministic sequences.
func NewWithKey(low, high uint32, key [4]uint32) (*Permutor, error) {
	if high < low {
		return nil, fmt.Errorf("permutor: invalid range [%d, %d]", low, high)
	}

	p := &Permutor{
		key:    key,
		length: high - low + 1,
		limit:  high,
	}

	width := powOf(p.length)
	width += width % 2 // balanced halves need an even width
	p.shift = width / 2
	p.mask = (1 << p.shift) - 1

	return p, nil
}

// Step returns the next value of the permutation. Within one cycle of
// `high-low+1` steps every value of [low, high] is returned exactly once.
func (p *Permutor) Step() uint32 {
	if p.length == 1 {
		// Trivial range: a zero-width Feistel network has no state to
		// permute, so return the single value without running it.
		return p.limit
	}

	var n uint32
	for {
		n = p.encrypt(p.stepi)
		p.stepi++
		if n < p.length {
			break
		}
	}
	return n + (p.limit + 1 - p.length)
}

// encrypt runs the balanced Feistel network over the two halves of n.
func (p *Permutor) encrypt(n uint32) uint32 {
	var l, r [2]uint32

	i := 0
	l[0] = p.mask & (n >> p.shift)
	r[0] = p.mask & n

	for i < feistelRounds {
		l[(i+1)%2] = r[i%2]
		r[(i+1)%2] = l[i%2] ^ p.round(uint32(i), r[i%2])
		i++
	}

	return (l[i%2]&p.mask)<<p.shift | (r[i%2] & p.mask)
}

// round is the Feistel round function F: TEA over (round index, half),
// truncated to the half width.
func (p *Permutor) round(k, x uint32) uint32 {
	w0, _ := p.teaEncrypt(k, x)
	return p.mask & w0
}

// teaEncrypt runs the 32-cycle TEA block cipher over (v0, v1).
func (p *Permutor) teaEncrypt(v0, v1 uint32) (uint32, uint32) {
	y, z := v0, v1
	var sum uint32

	for n := 0; n < teaCycles; n++ {
		sum += teaMagic
		y += ((z << 4) + p.key[0]) ^ (z + sum) ^ ((z >> 5) + p.key[1])
		z += ((y << 4) + p.key[2]) ^ (y + sum) ^ ((y >> 5) + p.key[3])
	}
	return y, z
}

// powOf returns ceil(log2(n)).
func powOf(n uint32) uint {
	var i uint
	for m := uint32(1); m < n; m <<= 1 {
		i++
	}
	return i
}
