// Package codec holds the byte-level helpers shared by the device protocols:
// fixed-width integer decoding, IEEE-754 reinterpretation, fixed-point
// scaling and the RC4 stream transform used by one vendor handshake.
package codec

import (
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortPayload is returned when a buffer is smaller than a decoder expects
var ErrShortPayload = errors.New("payload too short")

// Need returns ErrShortPayload (wrapped with the sizes) when len(b) < n
func Need(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrShortPayload, len(b), n)
	}
	return nil
}

// U16LE decodes an unsigned little-endian 16-bit value at off
func U16LE(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

// I16LE decodes a signed little-endian 16-bit value at off
func I16LE(b []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(b[off:]))
}

// U24LE decodes an unsigned little-endian 24-bit value at off
func U24LE(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16
}

// U32LE decodes an unsigned little-endian 32-bit value at off
func U32LE(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

// I32LE decodes a signed little-endian 32-bit value at off
func I32LE(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off:]))
}

// U16BE decodes an unsigned big-endian 16-bit value at off
func U16BE(b []byte, off int) uint16 {
	return binary.BigEndian.Uint16(b[off:])
}

// I16BE decodes a signed big-endian 16-bit value at off
func I16BE(b []byte, off int) int16 {
	return int16(binary.BigEndian.Uint16(b[off:]))
}

// Float32LE reinterprets the 4 little-endian bytes at off as an IEEE-754
// single precision float. The bit pattern is taken as is, no scaling.
func Float32LE(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

// PutFloat32LE encodes f as its 4-byte little-endian bit pattern
func PutFloat32LE(f float32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, math.Float32bits(f))
	return out
}

// Tenths scales a fixed-point value by 1/10
func Tenths[T ~int16 | ~uint16 | ~int32 | ~uint32 | ~int](v T) float64 {
	return float64(v) / 10
}

// Hundredths scales a fixed-point value by 1/100
func Hundredths[T ~int16 | ~uint16 | ~int32 | ~uint32 | ~int](v T) float64 {
	return float64(v) / 100
}

// Thousandths scales a fixed-point value by 1/1000
func Thousandths[T ~int16 | ~uint16 | ~int32 | ~uint32 | ~int](v T) float64 {
	return float64(v) / 1000
}

// RC4 XORs the RC4 keystream derived from key into buf, in place.
// Applying it twice with the same key restores the original buffer.
func RC4(key, buf []byte) error {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return fmt.Errorf("rc4 key schedule: %w", err)
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// RC4Copy is RC4 on a copy of buf, leaving the input untouched
func RC4Copy(key, buf []byte) ([]byte, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	if err := RC4(key, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clamp bounds v to [lo, hi]
func Clamp[T ~int | ~float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
