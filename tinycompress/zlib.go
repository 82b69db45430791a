// Package tinycompress writes zlib streams without a compressor: the data
// goes into stored DEFLATE blocks. Klipper hosts inflate the dictionary
// whatever the block type, and a stored encoder needs no tables in flash.
package tinycompress

import (
	"encoding/binary"
	"hash/adler32"
)

const (
	zlibHeaderCMF = 0x78 // deflate, 32K window
	zlibHeaderFLG = 0x01 // fastest level, FCHECK makes CMF<<8|FLG % 31 == 0

	maxStoredBlock = 0xFFFF
)

// Zlib wraps data in a zlib stream of stored blocks.
func Zlib(data []byte) []byte {
	blocks := (len(data) + maxStoredBlock - 1) / maxStoredBlock
	if blocks == 0 {
		blocks = 1
	}
	out := make([]byte, 0, 2+blocks*5+len(data)+4)
	out = append(out, zlibHeaderCMF, zlibHeaderFLG)

	rest := data
	for {
		n := len(rest)
		if n > maxStoredBlock {
			n = maxStoredBlock
		}
		final := byte(0)
		if n == len(rest) {
			final = 1
		}
		// BFINAL bit, BTYPE 00, then LEN and its complement
		out = append(out, final)
		out = binary.LittleEndian.AppendUint16(out, uint16(n))
		out = binary.LittleEndian.AppendUint16(out, ^uint16(n))
		out = append(out, rest[:n]...)
		rest = rest[n:]
		if final == 1 {
			break
		}
	}
	return binary.BigEndian.AppendUint32(out, adler32.Checksum(data))
}
