// Package protocol implements the Klipper serial protocol: VLQ argument
// encoding, CRC16-framed message blocks and the ACK/NAK sequence scheme,
// from both the MCU side (Transport) and the host side (HostTransport).
package protocol

// Protocol constants
const (
	MessageMax = 512 // Output scratch size, room for several frames

	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	// Message sequence masks
	MessageSeqMask = 0x0F
)

// nextSequence returns the sequence byte following seq.
func nextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
