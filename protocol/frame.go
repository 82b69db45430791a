package protocol

import (
	"bytes"
	"errors"
	"sync/atomic"
)

var (
	// ErrShortFrame means more bytes are needed before the frame can be decoded.
	ErrShortFrame = errors.New("incomplete frame")
	// ErrBadFrame means the bytes at the cursor are not a valid frame.
	ErrBadFrame = errors.New("malformed frame")
)

// Frame is one decoded message block.
type Frame struct {
	Sequence uint8
	Payload  []byte // Bytes between header and trailer, aliasing the input
}

// IsAck reports whether the frame carries no commands.
func (f Frame) IsAck() bool {
	return len(f.Payload) == 0
}

// DecodeFrame parses the frame at the start of data and returns it with the
// number of bytes it occupies.
func DecodeFrame(data []byte) (Frame, int, error) {
	if len(data) < MessageLengthMin {
		return Frame{}, 0, ErrShortFrame
	}
	msgLen := int(data[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		return Frame{}, 0, ErrBadFrame
	}
	seq := data[MessagePositionSeq]
	if seq&^MessageSeqMask != MessageDest {
		return Frame{}, 0, ErrBadFrame
	}
	if len(data) < msgLen {
		return Frame{}, 0, ErrShortFrame
	}
	if data[msgLen-MessageTrailerSync] != MessageValueSync {
		return Frame{}, 0, ErrBadFrame
	}
	frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
		uint16(data[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return Frame{}, 0, ErrBadFrame
	}
	return Frame{
		Sequence: seq,
		Payload:  data[MessageHeaderSize : msgLen-MessageTrailerSize],
	}, msgLen, nil
}

// AppendFrame appends a complete frame carrying payload to dst.
func AppendFrame(dst []byte, seq uint8, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, uint8(len(payload)+MessageLengthMin), seq)
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, uint8(crc>>8), uint8(crc), MessageValueSync)
}

// CRC16 is the CCITT checksum carried in every frame trailer, computed over
// the length byte, the sequence byte and the payload.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= byte(crc)
		b ^= b << 4
		w := uint16(b)
		crc = (w<<8 | crc>>8) ^ w>>4 ^ w<<3
	}
	return crc
}

// frameScanner splits a byte stream into frames, dropping garbage until the
// next sync byte whenever a frame fails to decode.
type frameScanner struct {
	synchronized uint32 // atomic bool
}

func newFrameScanner() *frameScanner {
	return &frameScanner{synchronized: 1}
}

// scan hands every complete frame in data to onFrame and returns how many
// bytes were consumed. onResync, if set, runs each time sync is regained.
func (s *frameScanner) scan(data []byte, onFrame func(Frame), onResync func()) int {
	total := len(data)
	for len(data) > 0 {
		if !s.synced() {
			i := bytes.IndexByte(data, MessageValueSync)
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			s.setSynced(true)
			if onResync != nil {
				onResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		frame, n, err := DecodeFrame(data)
		if errors.Is(err, ErrShortFrame) {
			break
		}
		if err != nil {
			s.setSynced(false)
			continue
		}
		data = data[n:]
		onFrame(frame)
	}
	return total - len(data)
}

func (s *frameScanner) synced() bool {
	return atomic.LoadUint32(&s.synchronized) != 0
}

func (s *frameScanner) setSynced(val bool) {
	if val {
		atomic.StoreUint32(&s.synchronized, 1)
	} else {
		atomic.StoreUint32(&s.synchronized, 0)
	}
}
