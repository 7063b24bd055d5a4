// Package namegen derives a human-readable label for a snapshot whose
// caller did not supply one, using the same CVCVC proquint alphabet as
// pkg/identity's honeytag encoder, applied to a snapshot's ULID instead of
// a public key fingerprint.
package namegen

import (
	"github.com/oklog/ulid/v2"
)

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aeiou"
)

// For generates a deterministic, pronounceable label from id, e.g.
// "lonam-bidov". Two distinct ULIDs only collide in their low 32 bits with
// probability 2^-32, which is an acceptable label collision rate since
// labels are a convenience alongside the ULID, never an identifier.
func For(id ulid.ULID) string {
	b := id[len(id)-4:] // low 32 bits
	value := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	high := uint16(value >> 16)
	low := uint16(value & 0xFFFF)
	return encodeQuint(high) + "-" + encodeQuint(low)
}

// encodeQuint renders a 16-bit value as a CVCVC proquint.
func encodeQuint(val uint16) string {
	result := make([]byte, 5)
	result[0] = consonants[(val>>12)&0x0F]
	result[1] = vowels[(val>>10)&0x03]
	result[2] = consonants[(val>>6)&0x0F]
	result[3] = vowels[(val>>4)&0x03]
	result[4] = consonants[val&0x0F]
	return string(result)
}
